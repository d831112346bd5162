package agent

import (
	"pan/internal/bus"
	"pan/internal/group"
	sharederrors "pan/internal/shared/errors"
	"pan/internal/shared/logger"
	"pan/internal/shared/panprotocol"
)

// Router dispatches validated, identity-rewritten agent frames to local
// delivery and, where appropriate, onto the message bus for the peer relay.
type Router struct {
	nodeID   string
	registry *Registry
	groups   *group.Manager
	bus      *bus.Bus
	control  *ControlHandlers
	logger   logger.Interface
}

// NewRouter creates the agent message router.
func NewRouter(nodeID string, registry *Registry, groups *group.Manager, b *bus.Bus, control *ControlHandlers, log logger.Interface) *Router {
	return &Router{
		nodeID:   nodeID,
		registry: registry,
		groups:   groups,
		bus:      b,
		control:  control,
		logger:   log.Named("router"),
	}
}

// Route handles one frame from an authenticated agent. The server has
// already rewritten frame.from to the authoritative identity.
func (r *Router) Route(conn *Connection, f *panprotocol.Frame) {
	switch f.Type {
	case panprotocol.TypeControl:
		r.control.Process(conn, f)
	case panprotocol.TypeBroadcast:
		r.broadcast(conn, f)
	case panprotocol.TypeDirect:
		r.direct(conn, f)
	default:
		conn.SendError(sharederrors.ErrorTypeInvalidMessage, "unroutable frame type: "+f.Type, f.MsgID)
	}
}

// broadcast fans the frame out to every local subscriber except the sender,
// then hands it to the peer layer via the bus.
func (r *Router) broadcast(conn *Connection, f *panprotocol.Frame) {
	recipients := r.groups.Recipients(f.Group, f.MsgType)
	for _, connID := range recipients {
		if connID == conn.ID {
			continue
		}
		target := r.registry.Get(connID)
		if target == nil {
			continue
		}
		if err := target.Send(f); err != nil {
			r.logger.Debugw("broadcast delivery failed",
				"to", connID,
				"group", f.Group,
				"error", err,
			)
		}
	}

	r.bus.Emit(bus.EventAgentBroadcast, &bus.OutboundMessage{
		From:    *f.From,
		Message: f,
	})
}

// direct delivers locally when the target node is this node, otherwise
// emits the frame toward the peer relay.
func (r *Router) direct(conn *Connection, f *panprotocol.Frame) {
	if f.To.NodeID != r.nodeID {
		r.bus.Emit(bus.EventAgentDirect, &bus.OutboundMessage{
			From:    *f.From,
			Message: f,
		})
		return
	}

	target := r.registry.Get(f.To.ConnID)
	if target == nil {
		conn.SendError(sharederrors.ErrorTypeTargetNotFound, "no such connection: "+f.To.ConnID, f.MsgID)
		return
	}

	// The recipient sees the authoritative from and the original msg_id in
	// in_response_to; the delivered copy gets a fresh msg_id.
	out := *f
	out.MsgID = ""
	out.InResponseTo = f.MsgID
	if err := target.Send(&out); err != nil {
		r.logger.Debugw("direct delivery failed",
			"to", f.To.ConnID,
			"error", err,
		)
	}
}
