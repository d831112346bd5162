// Package auth dispatches authentication requests over an ordered sequence
// of pluggable methods with per-attempt timeout and bounded retries.
package auth

import (
	"context"
	"fmt"
	"time"

	"sync"

	"github.com/google/uuid"

	sharedConfig "pan/internal/shared/config"
	"pan/internal/shared/goroutine"
	"pan/internal/shared/logger"
	"pan/internal/trust"
)

// Result is the final outcome delivered to the submit callback.
type Result struct {
	Success bool
	Method  string
	Name    string
	Claims  *trust.Claims
	Err     string
}

// MethodResult is one method's answer for one attempt.
type MethodResult struct {
	Success bool
	Name    string
	Claims  *trust.Claims
	Err     string
}

// Method is a pluggable authentication backend.
type Method interface {
	Name() string
	Authenticate(ctx context.Context, payload map[string]any) *MethodResult
}

// Callback receives the final result of a submitted request.
type Callback func(Result)

type pendingRequest struct {
	id       string
	tries    int
	callback Callback
}

// Manager runs auth requests through the configured method order. A request
// stays pending until a method succeeds, the order is exhausted, or
// max_tries attempts have been consumed; each attempt races the per-attempt
// timeout.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	methods  []Method
	timeout  time.Duration
	maxTries int
	logger   logger.Interface
}

// NewManager resolves the configured method order against the registered
// methods. An unknown method name in the order is a startup error.
func NewManager(cfg *sharedConfig.AuthConfig, available map[string]Method, log logger.Interface) (*Manager, error) {
	methods := make([]Method, 0, len(cfg.Order))
	for _, name := range cfg.Order {
		m, ok := available[name]
		if !ok {
			return nil, fmt.Errorf("unknown auth method %q in auth.order", name)
		}
		methods = append(methods, m)
	}
	return &Manager{
		pending:  make(map[string]*pendingRequest),
		methods:  methods,
		timeout:  time.Duration(cfg.TimeoutMS) * time.Millisecond,
		maxTries: cfg.MaxTries,
		logger:   log.Named("auth"),
	}, nil
}

// SubmitAuthRequest runs the payload through the method order and invokes
// the callback exactly once with the final result. The request is removed
// from the pending map before the callback runs, so a reentrant submit from
// the callback never observes stale state.
func (m *Manager) SubmitAuthRequest(payload map[string]any, cb Callback) {
	req := &pendingRequest{
		id:       uuid.NewString(),
		callback: cb,
	}
	m.mu.Lock()
	m.pending[req.id] = req
	m.mu.Unlock()

	goroutine.SafeGo(m.logger, "auth-request-"+req.id, func() {
		m.run(req, payload)
	})
}

// PendingCount reports the number of in-flight requests.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) run(req *pendingRequest, payload map[string]any) {
	var lastErr = "no auth method available"

	for _, method := range m.methods {
		if req.tries >= m.maxTries {
			break
		}
		req.tries++

		res := m.attempt(method, payload)
		if res == nil {
			lastErr = fmt.Sprintf("auth method %s timed out", method.Name())
			m.logger.Warnw("auth attempt timed out",
				"method", method.Name(),
				"auth_request_id", req.id,
				"try", req.tries,
			)
			continue
		}
		if res.Success {
			m.finalize(req, Result{
				Success: true,
				Method:  method.Name(),
				Name:    res.Name,
				Claims:  res.Claims,
			})
			return
		}
		lastErr = res.Err
		m.logger.Debugw("auth attempt failed",
			"method", method.Name(),
			"auth_request_id", req.id,
			"try", req.tries,
			"error", res.Err,
		)
	}

	m.finalize(req, Result{Success: false, Err: lastErr})
}

// attempt races one method against the per-attempt timeout. A late
// resolution after the timeout is discarded; the result channel is buffered
// so the method goroutine never blocks on it.
func (m *Manager) attempt(method Method, payload map[string]any) *MethodResult {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	ch := make(chan *MethodResult, 1)
	goroutine.SafeGo(m.logger, "auth-method-"+method.Name(), func() {
		ch <- method.Authenticate(ctx, payload)
	})

	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return nil
	}
}

// finalize removes the request from the pending map, then runs the
// callback. The removal is the cancellation guard: a request that is no
// longer pending is already finalized and must not fire again.
func (m *Manager) finalize(req *pendingRequest, res Result) {
	m.mu.Lock()
	_, ok := m.pending[req.id]
	delete(m.pending, req.id)
	m.mu.Unlock()

	if !ok {
		return
	}
	req.callback(res)
}
