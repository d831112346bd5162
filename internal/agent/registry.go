package agent

import (
	"crypto/subtle"
	"sync"

	"github.com/google/uuid"

	"pan/internal/shared/logger"
)

// Registry maps conn_id to live agent connections and holds the resume
// auth keys. The auth key is the sole resume capability; it travels only in
// auth.ok and a later reconnect payload.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	keys  map[string]string

	logger logger.Interface
}

// NewRegistry creates an empty agent registry.
func NewRegistry(log logger.Interface) *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		keys:   make(map[string]string),
		logger: log.Named("agent-registry"),
	}
}

// Register records the connection and issues its fresh auth key.
func (r *Registry) Register(conn *Connection) string {
	key := uuid.NewString()

	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.keys[conn.ID] = key
	r.mu.Unlock()

	conn.AuthKey = key

	r.logger.Infow("agent registered",
		"conn_id", conn.ID,
		"name", conn.Name,
	)
	return key
}

// Resume returns the connection when it is still registered and the auth
// key matches. The comparison is constant time.
func (r *Registry) Resume(connID, authKey string) *Connection {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	key := r.keys[connID]
	r.mu.RUnlock()

	if !ok {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(authKey)) != 1 {
		return nil
	}
	return conn
}

// Unregister drops the connection and its auth key.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	_, ok := r.conns[connID]
	delete(r.conns, connID)
	delete(r.keys, connID)
	r.mu.Unlock()

	if ok {
		r.logger.Infow("agent unregistered", "conn_id", connID)
	}
}

// Get looks up a live connection.
func (r *Registry) Get(connID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
