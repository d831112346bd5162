package agent

import (
	"pan/internal/bus"
	"pan/internal/group"
	sharederrors "pan/internal/shared/errors"
	"pan/internal/shared/logger"
	"pan/internal/shared/panprotocol"
)

// ControlHandlers processes the control frames an authenticated agent may
// send: join_group, leave_group, ping_request, disconnect.
type ControlHandlers struct {
	groups *group.Manager
	bus    *bus.Bus
	logger logger.Interface

	// cleanup tears a connection down: unsubscribe, unregister, close.
	cleanup func(conn *Connection)
}

// NewControlHandlers wires the control dispatch.
func NewControlHandlers(groups *group.Manager, b *bus.Bus, cleanup func(*Connection), log logger.Interface) *ControlHandlers {
	return &ControlHandlers{
		groups:  groups,
		bus:     b,
		cleanup: cleanup,
		logger:  log.Named("control"),
	}
}

// Process dispatches one control frame.
func (h *ControlHandlers) Process(conn *Connection, f *panprotocol.Frame) {
	switch f.MsgType {
	case panprotocol.CtrlJoinGroup:
		h.joinGroup(conn, f)
	case panprotocol.CtrlLeaveGroup:
		h.leaveGroup(conn, f)
	case panprotocol.CtrlPingRequest:
		h.pingRequest(conn, f)
	case panprotocol.CtrlDisconnect:
		h.logger.Infow("agent requested disconnect", "conn_id", conn.ID)
		h.cleanup(conn)
	default:
		conn.SendError(sharederrors.ErrorTypeInvalidMessage, "unknown control msg_type: "+f.MsgType, f.MsgID)
	}
}

func (h *ControlHandlers) joinGroup(conn *Connection, f *panprotocol.Frame) {
	groupID, _ := f.Payload["group"].(string)
	if !panprotocol.ValidGroupID(groupID, false) {
		h.replyJoin(conn, f, groupID, "group must be a 36-char group id")
		return
	}

	rawTypes, _ := f.Payload["msg_types"].([]any)
	msgTypes := make([]string, 0, len(rawTypes))
	for _, v := range rawTypes {
		if s, ok := v.(string); ok && s != "" {
			msgTypes = append(msgTypes, s)
		}
	}
	if len(msgTypes) == 0 {
		h.replyJoin(conn, f, groupID, "msg_types must be a non-empty list of strings")
		return
	}

	if err := h.groups.JoinGroup(conn.ID, groupID, msgTypes); err != nil {
		h.replyJoin(conn, f, groupID, err.Error())
		return
	}
	h.replyJoin(conn, f, groupID, "")
}

func (h *ControlHandlers) replyJoin(conn *Connection, f *panprotocol.Frame, groupID, errMsg string) {
	payload := map[string]any{
		"status": "ok",
		"group":  groupID,
	}
	if errMsg != "" {
		payload["status"] = "failed"
		payload["error"] = errMsg
	}
	conn.SendControl(panprotocol.CtrlJoinGroupReply, payload, f.MsgID)
}

func (h *ControlHandlers) leaveGroup(conn *Connection, f *panprotocol.Frame) {
	groupID, _ := f.Payload["group"].(string)
	payload := map[string]any{
		"status": "ok",
		"group":  groupID,
	}
	if !panprotocol.ValidGroupID(groupID, false) {
		payload["status"] = "failed"
		payload["error"] = "group must be a 36-char group id"
	} else {
		h.groups.LeaveGroup(conn.ID, groupID)
	}
	conn.SendControl(panprotocol.CtrlLeaveGroupReply, payload, f.MsgID)
}

func (h *ControlHandlers) pingRequest(conn *Connection, f *panprotocol.Frame) {
	dest, _ := f.Payload["dest_node_id"].(string)
	msg, _ := f.Payload["msg"].(string)
	ttlRaw, ttlOK := f.Payload["ttl"].(float64)

	valid := panprotocol.IsUUID(dest) &&
		ttlOK && ttlRaw == float64(int64(ttlRaw)) && ttlRaw >= 0 && ttlRaw <= panprotocol.MaxTTL &&
		len(msg) <= panprotocol.MaxMsgTypeLen

	if !valid {
		conn.SendControl(panprotocol.CtrlPingResponse, map[string]any{
			"msg":     msg,
			"reached": false,
			"error":   "invalid ping_request payload",
		}, f.MsgID)
		return
	}

	h.bus.Emit(bus.EventAgentPing, &bus.OutboundPing{
		From:       *f.From,
		DestNodeID: dest,
		Msg:        msg,
		TTL:        int(ttlRaw),
	})
}
