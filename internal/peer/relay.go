package peer

import (
	"pan/internal/agent"
	"pan/internal/bus"
	"pan/internal/group"
	"pan/internal/shared/logger"
	"pan/internal/shared/panprotocol"
)

// Relay is the single egress toward other nodes. It consumes the outbound
// bus events the router emits and carries the frames to registered peers,
// best effort; inbound peer traffic addressed to this node is delivered to
// local agents. The inter-node topology logic lives above this boundary.
type Relay struct {
	nodeID string
	peers  *Registry
	agents *agent.Registry
	groups *group.Manager
	logger logger.Interface
}

// NewRelay creates the relay boundary.
func NewRelay(nodeID string, peers *Registry, agents *agent.Registry, groups *group.Manager, log logger.Interface) *Relay {
	return &Relay{
		nodeID: nodeID,
		peers:  peers,
		agents: agents,
		groups: groups,
		logger: log.Named("peer-relay"),
	}
}

// Start subscribes the relay to the outbound events.
func (r *Relay) Start(b *bus.Bus) {
	b.Subscribe(bus.EventAgentBroadcast, r.onBroadcast)
	b.Subscribe(bus.EventAgentDirect, r.onDirect)
	b.Subscribe(bus.EventAgentPing, r.onPing)
}

func (r *Relay) onBroadcast(payload any) {
	m, ok := payload.(*bus.OutboundMessage)
	if !ok {
		return
	}
	out, ok := r.decremented(m.Message)
	if !ok {
		return
	}
	for _, p := range r.peers.All() {
		if err := p.Send(out); err != nil {
			r.logger.Debugw("broadcast relay failed", "peer", p.NodeID, "error", err)
		}
	}
}

func (r *Relay) onDirect(payload any) {
	m, ok := payload.(*bus.OutboundMessage)
	if !ok {
		return
	}
	out, ok := r.decremented(m.Message)
	if !ok {
		return
	}

	// Prefer the direct peer when the target node is adjacent; otherwise
	// hand the frame to every peer and let the overlay carry it.
	if p := r.peers.Get(out.To.NodeID); p != nil {
		if err := p.Send(out); err != nil {
			r.logger.Debugw("direct relay failed", "peer", p.NodeID, "error", err)
		}
		return
	}
	for _, p := range r.peers.All() {
		if err := p.Send(out); err != nil {
			r.logger.Debugw("direct relay failed", "peer", p.NodeID, "error", err)
		}
	}
}

func (r *Relay) onPing(payload any) {
	ping, ok := payload.(*bus.OutboundPing)
	if !ok {
		return
	}
	if ping.TTL <= 0 {
		return
	}
	f := &panprotocol.Frame{
		Type:    panprotocol.TypePeerControl,
		From:    &panprotocol.Address{NodeID: r.nodeID, ConnID: ping.From.ConnID},
		MsgType: panprotocol.CtrlPingRequest,
		Payload: map[string]any{
			"dest_node_id": ping.DestNodeID,
			"msg":          ping.Msg,
		},
		TTL: ping.TTL - 1,
	}
	if p := r.peers.Get(ping.DestNodeID); p != nil {
		p.Send(f)
		return
	}
	for _, p := range r.peers.All() {
		p.Send(f)
	}
}

// decremented copies a frame with one relay hop consumed; a frame with no
// budget left is dropped.
func (r *Relay) decremented(f *panprotocol.Frame) (*panprotocol.Frame, bool) {
	if f.TTL <= 0 {
		return nil, false
	}
	out := *f
	out.TTL = f.TTL - 1
	return &out, true
}

// DeliverLocal hands an inbound peer frame to local recipients.
func (r *Relay) DeliverLocal(f *panprotocol.Frame) {
	switch f.Type {
	case panprotocol.TypeDirect:
		if f.To == nil || f.To.NodeID != r.nodeID {
			return
		}
		target := r.agents.Get(f.To.ConnID)
		if target == nil {
			r.logger.Debugw("inbound direct for unknown connection", "conn_id", f.To.ConnID)
			return
		}
		out := *f
		out.MsgID = ""
		out.InResponseTo = f.MsgID
		target.Send(&out)

	case panprotocol.TypeBroadcast:
		for _, connID := range r.groups.Recipients(f.Group, f.MsgType) {
			if target := r.agents.Get(connID); target != nil {
				target.Send(f)
			}
		}
	}
}
