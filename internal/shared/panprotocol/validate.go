package panprotocol

import (
	"regexp"

	"github.com/google/uuid"
)

var msgTypeRe = regexp.MustCompile(`^[A-Za-z0-9_.@]+$`)

// IsUUID reports whether s is a canonical 36-char dashed UUID.
func IsUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// ValidGroupID accepts the plain UUID form and, when extended is set, the
// node-scoped "<node_id>:<uuid>" form. Both are otherwise opaque.
func ValidGroupID(s string, extended bool) bool {
	if len(s) == GroupIDLen {
		return true
	}
	return extended && len(s) == ExtendedGroupIDLen
}

func getString(obj map[string]any, key string) (string, bool) {
	v, ok := obj[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func getObject(obj map[string]any, key string) (map[string]any, bool) {
	v, ok := obj[key]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// validAddress checks a from/to object: node_id must be a UUID, conn_id a string.
func validAddress(obj map[string]any, key string) bool {
	addr, ok := getObject(obj, key)
	if !ok {
		return false
	}
	nodeID, ok := getString(addr, "node_id")
	if !ok || !IsUUID(nodeID) {
		return false
	}
	_, ok = getString(addr, "conn_id")
	return ok
}

// validTTL checks that ttl is an integral JSON number in [0, max].
func validTTL(obj map[string]any, max float64) bool {
	v, ok := obj["ttl"]
	if !ok {
		return false
	}
	f, ok := v.(float64)
	if !ok {
		return false
	}
	if f != float64(int64(f)) {
		return false
	}
	return f >= 0 && f <= max
}

// ValidBase verifies the invariant frame shape shared by every variant.
// special selects the tighter TTL budget of special-agent frames.
// It never panics on malformed input; any shape mismatch yields false.
func ValidBase(obj map[string]any, special bool) bool {
	if obj == nil {
		return false
	}
	msgID, ok := getString(obj, "msg_id")
	if !ok || !IsUUID(msgID) {
		return false
	}
	if !validAddress(obj, "from") {
		return false
	}
	msgType, ok := getString(obj, "msg_type")
	if !ok || len(msgType) == 0 || len(msgType) > MaxMsgTypeLen || !msgTypeRe.MatchString(msgType) {
		return false
	}
	payload, ok := getObject(obj, "payload")
	if !ok || payload == nil {
		return false
	}
	maxTTL := float64(MaxTTL)
	if special {
		maxTTL = 1
	}
	return validTTL(obj, maxTTL)
}

// ValidDirect layers the direct variant checks on top of the base shape.
func ValidDirect(obj map[string]any) bool {
	return ValidBase(obj, false) && validAddress(obj, "to")
}

// ValidBroadcast layers the broadcast variant checks on top of the base shape.
// extended permits the node-scoped group form used by special-agent broadcasts.
func ValidBroadcast(obj map[string]any, extended bool) bool {
	if !ValidBase(obj, false) {
		return false
	}
	group, ok := getString(obj, "group")
	return ok && ValidGroupID(group, extended)
}

// ValidControl checks a plain control frame; no extra fields beyond the base.
func ValidControl(obj map[string]any) bool {
	return ValidBase(obj, false)
}

// ValidAgentMessage validates a frame received on the agent listener.
func ValidAgentMessage(obj map[string]any) bool {
	if obj == nil {
		return false
	}
	typ, ok := getString(obj, "type")
	if !ok {
		return false
	}
	switch typ {
	case TypeDirect:
		return ValidDirect(obj)
	case TypeBroadcast:
		return ValidBroadcast(obj, false)
	case TypeControl:
		return ValidControl(obj)
	case TypeAgentControl:
		return ValidBase(obj, true)
	default:
		return false
	}
}

// ValidPeerMessage validates a frame received on the peer listener.
func ValidPeerMessage(obj map[string]any) bool {
	if obj == nil {
		return false
	}
	typ, ok := getString(obj, "type")
	if !ok {
		return false
	}
	switch typ {
	case TypeDirect:
		return ValidDirect(obj)
	case TypeBroadcast:
		return ValidBroadcast(obj, true)
	case TypePeerControl:
		return ValidBase(obj, false)
	default:
		return false
	}
}
