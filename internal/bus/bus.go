// Package bus provides the in-process event channel that decouples the
// routing core from the peer relay. Publishing is synchronous-dispatch,
// asynchronous-delivery: handlers never run on the publisher's stack.
package bus

import (
	"fmt"
	"runtime/debug"
	"sync"

	"pan/internal/shared/logger"
)

// Event names used by the routing core.
const (
	EventAgentBroadcast = "outbound:agent_broadcast"
	EventAgentDirect    = "outbound:agent_direct"
	EventAgentPing      = "outbound:agent_ping"
	EventPeerConnected  = "peer:connected"
)

// Handler consumes one event payload.
type Handler func(payload any)

// Bus fans an emitted event out to every subscribed handler. Handlers for
// one emit run in registration order; handlers across emits may interleave.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   logger.Interface
}

// New creates an event bus.
func New(log logger.Interface) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   log.Named("bus"),
	}
}

// Subscribe registers a handler for an event name.
func (b *Bus) Subscribe(event string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], h)
}

// Emit schedules every handler of the event with the payload. Delivery is
// deferred off the caller's stack; a panicking handler cannot starve its
// siblings or the publisher.
func (b *Bus) Emit(event string, payload any) {
	b.mu.RLock()
	handlers := b.handlers[event]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	go func() {
		for _, h := range handlers {
			b.invoke(event, h, payload)
		}
	}()
}

func (b *Bus) invoke(event string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("event handler panicked",
				"event", event,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	h(payload)
}
