// Package group maintains the two-level subscription index that drives
// broadcast fan-out: (group, msg_type) -> recipients, plus the inverse
// conn -> group -> msg_types used for O(subscriptions) cleanup.
package group

import (
	"errors"
	"fmt"
	"sync"

	"pan/internal/shared/logger"
)

var (
	ErrNoMsgTypes         = errors.New("join_group requires a non-empty msg_types list")
	ErrMsgTypeCapExceeded = errors.New("msg_type cap exceeded for group")
)

// Manager owns both directions of the subscription index. One mutex covers
// both maps: their symmetry invariant is joint.
type Manager struct {
	mu sync.Mutex

	// group_id -> msg_type -> set of conn_id
	groups map[string]map[string]map[string]struct{}

	// conn_id -> group_id -> set of msg_type
	agentSubs map[string]map[string]map[string]struct{}

	maxMsgTypes int
	logger      logger.Interface
}

// NewManager creates an empty index with the per-(conn, group) msg_type cap.
func NewManager(maxMsgTypes int, log logger.Interface) *Manager {
	return &Manager{
		groups:      make(map[string]map[string]map[string]struct{}),
		agentSubs:   make(map[string]map[string]map[string]struct{}),
		maxMsgTypes: maxMsgTypes,
		logger:      log.Named("groups"),
	}
}

// JoinGroup subscribes the connection to the given msg_types in a group.
// Idempotent per (conn, group, msg_type). Additions applied before the cap
// is hit stand; the cap is never silently exceeded.
func (m *Manager) JoinGroup(connID, groupID string, msgTypes []string) error {
	if len(msgTypes) == 0 {
		return ErrNoMsgTypes
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msgType := range msgTypes {
		subs := m.agentSubs[connID]
		if subs == nil {
			subs = make(map[string]map[string]struct{})
			m.agentSubs[connID] = subs
		}
		types := subs[groupID]
		if types == nil {
			types = make(map[string]struct{})
			subs[groupID] = types
		}
		if _, ok := types[msgType]; ok {
			continue
		}
		if len(types) >= m.maxMsgTypes {
			return fmt.Errorf("%w: %s has %d msg_types", ErrMsgTypeCapExceeded, groupID, len(types))
		}
		types[msgType] = struct{}{}

		byType := m.groups[groupID]
		if byType == nil {
			byType = make(map[string]map[string]struct{})
			m.groups[groupID] = byType
		}
		conns := byType[msgType]
		if conns == nil {
			conns = make(map[string]struct{})
			byType[msgType] = conns
		}
		conns[connID] = struct{}{}
	}

	return nil
}

// LeaveGroup removes the connection from every msg_type it held in the
// group, pruning empty sets and maps eagerly on both sides.
func (m *Manager) LeaveGroup(connID, groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveGroupLocked(connID, groupID)
}

func (m *Manager) leaveGroupLocked(connID, groupID string) {
	subs := m.agentSubs[connID]
	if subs == nil {
		return
	}
	types := subs[groupID]
	if types == nil {
		return
	}

	byType := m.groups[groupID]
	for msgType := range types {
		if conns := byType[msgType]; conns != nil {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(byType, msgType)
			}
		}
	}
	if byType != nil && len(byType) == 0 {
		delete(m.groups, groupID)
	}

	delete(subs, groupID)
	if len(subs) == 0 {
		delete(m.agentSubs, connID)
	}
}

// Recipients returns the connections subscribed to (group, msg_type). An
// empty result means no local recipients.
func (m *Manager) Recipients(groupID, msgType string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns := m.groups[groupID][msgType]
	if len(conns) == 0 {
		return nil
	}
	out := make([]string, 0, len(conns))
	for connID := range conns {
		out = append(out, connID)
	}
	return out
}

// RemoveFromAll drops every subscription of a connection. The group list is
// snapshotted first because leaving mutates the inverse index under us.
func (m *Manager) RemoveFromAll(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.agentSubs[connID]
	if subs == nil {
		return
	}
	groupIDs := make([]string, 0, len(subs))
	for groupID := range subs {
		groupIDs = append(groupIDs, groupID)
	}
	for _, groupID := range groupIDs {
		m.leaveGroupLocked(connID, groupID)
	}
}

// MsgTypes returns the msg_types a connection holds in a group.
func (m *Manager) MsgTypes(connID, groupID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	types := m.agentSubs[connID][groupID]
	if len(types) == 0 {
		return nil
	}
	out := make([]string, 0, len(types))
	for t := range types {
		out = append(out, t)
	}
	return out
}

// Subscribed reports whether the connection holds any subscription at all.
func (m *Manager) Subscribed(connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.agentSubs[connID]) > 0
}
