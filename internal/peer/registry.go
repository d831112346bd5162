package peer

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pan/internal/shared/logger"
	"pan/internal/shared/panprotocol"
)

const writeWait = 10 * time.Second

// ErrIssuerMismatch rejects a handshake claiming a node_id that is already
// held under a different issuer identity.
var ErrIssuerMismatch = errors.New("node_id already registered under a different issuer")

// Peer is one admitted remote node.
type Peer struct {
	NodeID      string
	Issuer      string
	Name        string
	ConnectedAt time.Time

	mu sync.Mutex
	ws *websocket.Conn
}

// NewPeer wraps an admitted peer socket.
func NewPeer(nodeID, issuer, name string, ws *websocket.Conn) *Peer {
	return &Peer{
		NodeID:      nodeID,
		Issuer:      issuer,
		Name:        name,
		ConnectedAt: time.Now(),
		ws:          ws,
	}
}

// Send writes one frame to the peer, minting a msg_id when absent.
func (p *Peer) Send(f *panprotocol.Frame) error {
	if f.MsgID == "" {
		f.MsgID = uuid.NewString()
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ws == nil {
		return errors.New("peer has no socket")
	}
	p.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return p.ws.WriteMessage(websocket.TextMessage, data)
}

// Close closes the peer socket.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ws != nil {
		p.ws.Close()
	}
}

// Registry maps node_id to the single admitted peer connection for that
// node. Readmission under a different issuer is refused: one overlay
// identity cannot be claimed by two issuers.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer

	logger logger.Interface
}

// NewRegistry creates an empty peer registry.
func NewRegistry(log logger.Interface) *Registry {
	return &Registry{
		peers:  make(map[string]*Peer),
		logger: log.Named("peer-registry"),
	}
}

// Register admits a peer, enforcing the issuer-identity invariant. A
// reconnect under the same issuer replaces (and closes) the old socket.
func (r *Registry) Register(p *Peer) error {
	r.mu.Lock()
	existing, ok := r.peers[p.NodeID]
	if ok && existing.Issuer != p.Issuer {
		r.mu.Unlock()
		return ErrIssuerMismatch
	}
	r.peers[p.NodeID] = p
	r.mu.Unlock()

	if ok {
		existing.Close()
	}

	r.logger.Infow("peer registered",
		"node_id", p.NodeID,
		"issuer", p.Issuer,
	)
	return nil
}

// Get looks up a peer by node_id.
func (r *Registry) Get(nodeID string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[nodeID]
}

// Remove drops a peer if the given connection is still the registered one.
func (r *Registry) Remove(p *Peer) {
	r.mu.Lock()
	if r.peers[p.NodeID] == p {
		delete(r.peers, p.NodeID)
	}
	r.mu.Unlock()
}

// Count returns the number of connected peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// All snapshots the connected peers.
func (r *Registry) All() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}
