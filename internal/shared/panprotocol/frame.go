// Package panprotocol defines the PAN wire protocol: the JSON frame envelope
// exchanged with agents and peers, the message type vocabulary, and the
// structural validators for inbound frames.
// These types are shared between the transport servers and the routing core.
package panprotocol

import "encoding/json"

// Frame type constants.
const (
	TypeDirect       = "direct"
	TypeBroadcast    = "broadcast"
	TypeControl      = "control"
	TypePeerControl  = "peer_control"
	TypeAgentControl = "agent_control"
)

// Inbound control msg_type constants.
const (
	CtrlAuth        = "auth"
	CtrlJoinGroup   = "join_group"
	CtrlLeaveGroup  = "leave_group"
	CtrlPingRequest = "ping_request"
	CtrlDisconnect  = "disconnect"
	CtrlPeerHello   = "hello"
)

// Control msg_types the server emits.
const (
	CtrlAuthOK             = "auth.ok"
	CtrlAuthFailed         = "auth.failed"
	CtrlSpeedLimitExceeded = "speed_limit_exceeded"
	CtrlBadPacket          = "bad_packet"
	CtrlInvalidMessage     = "invalid_message"
	CtrlTooManyBadMessages = "too_many_bad_messages"
	CtrlMessageFailure     = "message_failure"
	CtrlJoinGroupReply     = "join_group_reply"
	CtrlLeaveGroupReply    = "leave_group_reply"
	CtrlPingResponse       = "ping_response"
	CtrlError              = "error"
)

// Auth type constants for the auth control payload.
const (
	AuthTypeToken     = "token"
	AuthTypeReconnect = "reconnect"
)

// Trust purposes required for admission.
const (
	PurposeAgentConnect = "agent-connect"
	PurposePeerConnect  = "peer-connect"
)

const (
	// NullID is the only acceptable from.node_id on an unauthenticated frame.
	NullID = "00000000-0000-0000-0000-000000000000"

	// MaxFrameSize is the per-frame byte limit on both listeners.
	MaxFrameSize = 61440

	// GroupIDLen is the length of a plain group identifier (a dashed UUID).
	GroupIDLen = 36

	// ExtendedGroupIDLen is the length of the node-scoped "<node_id>:<uuid>" form.
	ExtendedGroupIDLen = 73

	// MaxMsgTypeLen bounds the msg_type field.
	MaxMsgTypeLen = 64

	// MaxTTL is the relay budget ceiling for peer and client frames.
	MaxTTL = 255
)

// Address identifies one agent connection within the overlay.
type Address struct {
	NodeID string `json:"node_id"`
	ConnID string `json:"conn_id"`
}

// Frame is the unified JSON envelope; exactly one object per transport frame.
type Frame struct {
	Type         string         `json:"type"`
	MsgID        string         `json:"msg_id"`
	From         *Address       `json:"from"`
	To           *Address       `json:"to,omitempty"`
	Group        string         `json:"group,omitempty"`
	MsgType      string         `json:"msg_type"`
	Payload      map[string]any `json:"payload"`
	TTL          int            `json:"ttl"`
	InResponseTo string         `json:"in_response_to,omitempty"`
}

// Decode parses a raw frame twice: once into a generic object for the
// structural validators and once into the typed envelope. The typed decode
// runs only after validation, so it cannot fail on a frame the validators
// accepted.
func Decode(raw []byte) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// ToFrame converts validated raw bytes into the typed envelope.
func ToFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// NewControl builds a control frame originating from this node.
func NewControl(from Address, msgType string, payload map[string]any, inResponseTo string) *Frame {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Frame{
		Type:         TypeControl,
		From:         &Address{NodeID: from.NodeID, ConnID: from.ConnID},
		MsgType:      msgType,
		Payload:      payload,
		InResponseTo: inResponseTo,
	}
}
