package bus

import "pan/internal/shared/panprotocol"

// OutboundMessage is the payload of the outbound:agent_broadcast and
// outbound:agent_direct events: a validated frame the peer relay may carry
// to other nodes, together with its authoritative origin.
type OutboundMessage struct {
	From    panprotocol.Address
	Message *panprotocol.Frame
}

// OutboundPing is the payload of the outbound:agent_ping event.
type OutboundPing struct {
	From       panprotocol.Address
	DestNodeID string
	Msg        string
	TTL        int
}

// PeerConnected is the payload of the peer:connected event.
type PeerConnected struct {
	NodeID string
	Issuer string
}
