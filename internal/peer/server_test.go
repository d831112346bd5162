package peer

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pan/internal/agent"
	"pan/internal/bus"
	"pan/internal/group"
	sharedConfig "pan/internal/shared/config"
	"pan/internal/shared/logger"
	"pan/internal/shared/panprotocol"
	"pan/internal/trust"
)

type peerNode struct {
	srv      *Server
	ts       *httptest.Server
	bus      *bus.Bus
	registry *Registry
	relay    *Relay
	agents   *agent.Registry
	groups   *group.Manager
	nodeID   string
}

func newPeerNode(t *testing.T) *peerNode {
	t.Helper()
	log := logger.NewLogger()

	issuerPath := filepath.Join(t.TempDir(), "trusted_peers.json")
	require.NoError(t, os.WriteFile(issuerPath,
		[]byte(`{"trusted_issuers":{"urn:pan:overlay":["peer-connect"]}}`), 0644))
	store, err := trust.NewIssuerStore(issuerPath, time.Minute, log)
	require.NoError(t, err)
	validator := trust.NewValidator(store, nil, log)

	nodeID := uuid.NewString()
	agents := agent.NewRegistry(log)
	groups := group.NewManager(100, log)
	registry := NewRegistry(log)
	relay := NewRelay(nodeID, registry, agents, groups, log)
	eventBus := bus.New(log)
	relay.Start(eventBus)

	srv := NewServer("127.0.0.1:0", "release", nodeID,
		&sharedConfig.AgentConfig{ConnectTimeoutSeconds: 3},
		validator, registry, relay, eventBus, log)

	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	return &peerNode{
		srv: srv, ts: ts, bus: eventBus,
		registry: registry, relay: relay,
		agents: agents, groups: groups, nodeID: nodeID,
	}
}

func (n *peerNode) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := strings.Replace(n.ts.URL, "http", "ws", 1)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func peerToken(t *testing.T, issuer, identifier string, purposes ...string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &trust.Claims{
		Identifier:       identifier,
		Purpose:          purposes,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer},
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return tok
}

func helloFrame(fromNode, token string) map[string]any {
	return map[string]any{
		"type":     panprotocol.TypePeerControl,
		"msg_id":   uuid.NewString(),
		"from":     map[string]any{"node_id": fromNode, "conn_id": ""},
		"msg_type": panprotocol.CtrlPeerHello,
		"payload":  map[string]any{"token": token},
		"ttl":      0,
	}
}

func readReply(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f map[string]any
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func waitForPeer(t *testing.T, r *Registry, nodeID string) *Peer {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p := r.Get(nodeID); p != nil {
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("peer %s never registered", nodeID)
	return nil
}

func TestHandshake_TrustedPeerAdmitted(t *testing.T) {
	n := newPeerNode(t)

	connected := make(chan *bus.PeerConnected, 1)
	n.bus.Subscribe(bus.EventPeerConnected, func(payload any) {
		if pc, ok := payload.(*bus.PeerConnected); ok {
			connected <- pc
		}
	})

	remote := uuid.NewString()
	ws := n.dial(t)
	require.NoError(t, ws.WriteJSON(helloFrame(remote, peerToken(t, "urn:pan:overlay", "node-b", "peer-connect"))))

	p := waitForPeer(t, n.registry, remote)
	assert.Equal(t, "urn:pan:overlay", p.Issuer)
	assert.Equal(t, "node-b", p.Name)

	select {
	case pc := <-connected:
		assert.Equal(t, remote, pc.NodeID)
		assert.Equal(t, "urn:pan:overlay", pc.Issuer)
	case <-time.After(2 * time.Second):
		t.Fatal("peer connected event never fired")
	}
}

func TestHandshake_UntrustedIssuerRejected(t *testing.T) {
	n := newPeerNode(t)

	ws := n.dial(t)
	require.NoError(t, ws.WriteJSON(helloFrame(uuid.NewString(), peerToken(t, "urn:pan:rogue", "x", "peer-connect"))))

	reply := readReply(t, ws)
	assert.Equal(t, panprotocol.CtrlAuthFailed, reply["msg_type"])
	payload, _ := reply["payload"].(map[string]any)
	require.NotNil(t, payload)
	assert.Regexp(t, `(?i)access denied`, payload["message"])
	assert.Equal(t, 0, n.registry.Count())
}

func TestHandshake_MissingPurposeRejected(t *testing.T) {
	n := newPeerNode(t)

	ws := n.dial(t)
	require.NoError(t, ws.WriteJSON(helloFrame(uuid.NewString(), peerToken(t, "urn:pan:overlay", "x", "agent-connect"))))

	reply := readReply(t, ws)
	assert.Equal(t, panprotocol.CtrlAuthFailed, reply["msg_type"])
	assert.Equal(t, 0, n.registry.Count())
}

func TestHandshake_MissingToken(t *testing.T) {
	n := newPeerNode(t)

	ws := n.dial(t)
	f := helloFrame(uuid.NewString(), "")
	f["payload"] = map[string]any{}
	require.NoError(t, ws.WriteJSON(f))

	reply := readReply(t, ws)
	assert.Equal(t, panprotocol.CtrlAuthFailed, reply["msg_type"])
}

func TestHandshake_NonHelloFrameRejected(t *testing.T) {
	n := newPeerNode(t)

	ws := n.dial(t)
	f := helloFrame(uuid.NewString(), peerToken(t, "urn:pan:overlay", "x", "peer-connect"))
	f["msg_type"] = "ping_request"
	require.NoError(t, ws.WriteJSON(f))

	reply := readReply(t, ws)
	assert.Equal(t, panprotocol.CtrlAuthFailed, reply["msg_type"])
}

func TestHandshake_IssuerInvariantAcrossSockets(t *testing.T) {
	n := newPeerNode(t)
	remote := uuid.NewString()

	ws1 := n.dial(t)
	require.NoError(t, ws1.WriteJSON(helloFrame(remote, peerToken(t, "urn:pan:overlay", "b", "peer-connect"))))
	waitForPeer(t, n.registry, remote)

	// A direct registration under a different issuer is refused.
	err := n.registry.Register(NewPeer(remote, "urn:pan:other", "imposter", nil))
	assert.ErrorIs(t, err, ErrIssuerMismatch)
}

// wsPair returns both ends of a live websocket.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ch := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err == nil {
			ch <- ws
		}
	}))
	t.Cleanup(ts.Close)

	client, _, err := websocket.DefaultDialer.Dial(strings.Replace(ts.URL, "http", "ws", 1), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server = <-ch
	t.Cleanup(func() { server.Close() })
	return server, client
}

func TestInboundDirect_DeliveredToLocalAgent(t *testing.T) {
	n := newPeerNode(t)

	serverWS, clientWS := wsPair(t)
	conn := agent.NewConnection("c1", "local-agent", n.nodeID, serverWS, logger.NewLogger())
	n.agents.Register(conn)

	origin := uuid.NewString()
	f := &panprotocol.Frame{
		Type:    panprotocol.TypeDirect,
		MsgID:   uuid.NewString(),
		From:    &panprotocol.Address{NodeID: origin, ConnID: "c9"},
		To:      &panprotocol.Address{NodeID: n.nodeID, ConnID: "c1"},
		MsgType: "event",
		Payload: map[string]any{"text": "over the overlay"},
	}
	n.relay.DeliverLocal(f)

	got := readReply(t, clientWS)
	assert.Equal(t, panprotocol.TypeDirect, got["type"])
	assert.Equal(t, f.MsgID, got["in_response_to"])
	from, _ := got["from"].(map[string]any)
	require.NotNil(t, from)
	assert.Equal(t, origin, from["node_id"])

	// A frame addressed to another node is ignored.
	f.To = &panprotocol.Address{NodeID: uuid.NewString(), ConnID: "c1"}
	n.relay.DeliverLocal(f)
	clientWS.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var stray map[string]any
	assert.Error(t, clientWS.ReadJSON(&stray), "frame for another node delivered locally: %v", stray)
}

func TestInboundBroadcast_FansOutToSubscribers(t *testing.T) {
	n := newPeerNode(t)

	serverWS, clientWS := wsPair(t)
	n.agents.Register(agent.NewConnection("c1", "local-agent", n.nodeID, serverWS, logger.NewLogger()))

	groupID := uuid.NewString()
	require.NoError(t, n.groups.JoinGroup("c1", groupID, []string{"news"}))

	n.relay.DeliverLocal(&panprotocol.Frame{
		Type:    panprotocol.TypeBroadcast,
		MsgID:   uuid.NewString(),
		From:    &panprotocol.Address{NodeID: uuid.NewString(), ConnID: "c9"},
		Group:   groupID,
		MsgType: "news",
		Payload: map[string]any{},
	})

	got := readReply(t, clientWS)
	assert.Equal(t, panprotocol.TypeBroadcast, got["type"])
	assert.Equal(t, groupID, got["group"])
}

func TestRelay_OutboundDirect(t *testing.T) {
	n := newPeerNode(t)

	serverWS, clientWS := wsPair(t)
	remote := uuid.NewString()
	require.NoError(t, n.registry.Register(NewPeer(remote, "urn:pan:overlay", "b", serverWS)))

	n.relay.onDirect(&bus.OutboundMessage{
		From: panprotocol.Address{NodeID: n.nodeID, ConnID: "c1"},
		Message: &panprotocol.Frame{
			Type:    panprotocol.TypeDirect,
			MsgID:   uuid.NewString(),
			From:    &panprotocol.Address{NodeID: n.nodeID, ConnID: "c1"},
			To:      &panprotocol.Address{NodeID: remote, ConnID: "c2"},
			MsgType: "event",
			Payload: map[string]any{},
			TTL:     2,
		},
	})

	got := readReply(t, clientWS)
	assert.Equal(t, panprotocol.TypeDirect, got["type"])
	assert.Equal(t, float64(1), got["ttl"], "one relay hop consumed")

	// A frame with no relay budget never leaves the node.
	n.relay.onDirect(&bus.OutboundMessage{
		From: panprotocol.Address{NodeID: n.nodeID, ConnID: "c1"},
		Message: &panprotocol.Frame{
			Type:    panprotocol.TypeDirect,
			To:      &panprotocol.Address{NodeID: remote, ConnID: "c2"},
			MsgType: "event",
			Payload: map[string]any{},
			TTL:     0,
		},
	})
	clientWS.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var stray map[string]any
	assert.Error(t, clientWS.ReadJSON(&stray), "ttl-exhausted frame relayed: %v", stray)
}

func TestAdmittedPeer_FramesReachLocalAgents(t *testing.T) {
	n := newPeerNode(t)

	serverWS, clientWS := wsPair(t)
	n.agents.Register(agent.NewConnection("c1", "local-agent", n.nodeID, serverWS, logger.NewLogger()))

	remote := uuid.NewString()
	peerWS := n.dial(t)
	require.NoError(t, peerWS.WriteJSON(helloFrame(remote, peerToken(t, "urn:pan:overlay", "b", "peer-connect"))))
	waitForPeer(t, n.registry, remote)

	require.NoError(t, peerWS.WriteJSON(map[string]any{
		"type":     panprotocol.TypeDirect,
		"msg_id":   uuid.NewString(),
		"from":     map[string]any{"node_id": remote, "conn_id": "c9"},
		"to":       map[string]any{"node_id": n.nodeID, "conn_id": "c1"},
		"msg_type": "event",
		"payload":  map[string]any{"text": "relayed"},
		"ttl":      1,
	}))

	got := readReply(t, clientWS)
	assert.Equal(t, panprotocol.TypeDirect, got["type"])
	payload, _ := got["payload"].(map[string]any)
	require.NotNil(t, payload)
	assert.Equal(t, "relayed", payload["text"])
}

func TestRelay_DecrementsTTL(t *testing.T) {
	n := newPeerNode(t)

	f := &panprotocol.Frame{TTL: 3}
	out, ok := n.relay.decremented(f)
	require.True(t, ok)
	assert.Equal(t, 2, out.TTL)
	assert.Equal(t, 3, f.TTL, "original frame untouched")

	_, ok = n.relay.decremented(&panprotocol.Frame{TTL: 0})
	assert.False(t, ok)
}
