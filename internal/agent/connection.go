package agent

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	sharederrors "pan/internal/shared/errors"
	"pan/internal/shared/logger"
	"pan/internal/shared/panprotocol"
)

const (
	writeWait = 10 * time.Second

	// errorWindow / maxErrorsInWindow bound the per-connection error log:
	// more than maxErrorsInWindow bad messages inside errorWindow force a
	// final error and a close.
	errorWindow       = 60 * time.Second
	maxErrorsInWindow = 200
)

var errSocketClosed = errors.New("connection has no socket")

// Connection is one authenticated agent bound to a socket. The socket can
// be hot-swapped on resume; all writes serialize on the connection mutex so
// a swap is atomic with respect to writers.
type Connection struct {
	ID      string
	Kind    string
	Name    string
	AuthKey string

	nodeID string
	logger logger.Interface

	mu           sync.Mutex
	ws           *websocket.Conn
	cleanupTimer *time.Timer

	errMu  sync.Mutex
	errLog []time.Time
}

// NewConnection wraps a freshly authenticated socket.
func NewConnection(id, name, nodeID string, ws *websocket.Conn, log logger.Interface) *Connection {
	return &Connection{
		ID:     id,
		Kind:   "agent",
		Name:   name,
		nodeID: nodeID,
		ws:     ws,
		logger: log.With("conn_id", id),
	}
}

// Send writes one frame to the current socket, minting a msg_id when the
// frame has none.
func (c *Connection) Send(f *panprotocol.Frame) error {
	if f.MsgID == "" {
		f.MsgID = uuid.NewString()
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return errSocketClosed
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// SendControl wraps a payload in a control frame referencing the triggering
// message when applicable.
func (c *Connection) SendControl(msgType string, payload map[string]any, inResponseTo string) error {
	f := panprotocol.NewControl(panprotocol.Address{NodeID: c.nodeID}, msgType, payload, inResponseTo)
	return c.Send(f)
}

// SendError emits a plain error control frame.
func (c *Connection) SendError(errType sharederrors.ErrorType, message, inResponseTo string) error {
	return c.SendControl(panprotocol.CtrlError, map[string]any{
		"error_type": string(errType),
		"message":    message,
	}, inResponseTo)
}

// RecordError appends a bad-message timestamp, keeps only the last window,
// and reports whether the connection has exceeded its error budget.
func (c *Connection) RecordError(reason string) bool {
	now := time.Now()

	c.errMu.Lock()
	cutoff := now.Add(-errorWindow)
	kept := c.errLog[:0]
	for _, t := range c.errLog {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.errLog = append(kept, now)
	over := len(c.errLog) > maxErrorsInWindow
	c.errMu.Unlock()

	if over {
		c.logger.Warnw("connection exceeded error budget", "reason", reason)
	}
	return over
}

// Rebind swaps in a new socket after a successful resume. The previous
// socket, if any, is closed.
func (c *Connection) Rebind(ws *websocket.Conn) {
	c.mu.Lock()
	old := c.ws
	c.ws = ws
	c.mu.Unlock()

	if old != nil && old != ws {
		old.Close()
	}
}

// Socket returns the currently bound socket.
func (c *Connection) Socket() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

// Close closes the bound socket.
func (c *Connection) Close() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
}

// ScheduleCleanup arms the resume grace timer. An already armed timer is
// replaced.
func (c *Connection) ScheduleCleanup(grace time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleanupTimer != nil {
		c.cleanupTimer.Stop()
	}
	c.cleanupTimer = time.AfterFunc(grace, fn)
}

// CancelCleanup disarms a pending cleanup timer, if any.
func (c *Connection) CancelCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleanupTimer != nil {
		c.cleanupTimer.Stop()
		c.cleanupTimer = nil
	}
}
