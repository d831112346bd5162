package peer

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pan/internal/bus"
	sharedConfig "pan/internal/shared/config"
	"pan/internal/shared/goroutine"
	"pan/internal/shared/logger"
	"pan/internal/shared/panprotocol"
	"pan/internal/trust"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server terminates inbound peer connections: exactly one handshake frame,
// trust validation for the peer-connect purpose, then registration under
// the issuer-identity invariant.
type Server struct {
	addr      string
	mode      string
	nodeID    string
	handshake time.Duration

	validator *trust.Validator
	registry  *Registry
	relay     *Relay
	bus       *bus.Bus
	logger    logger.Interface

	httpServer *http.Server
}

// NewServer wires the peer listener.
func NewServer(
	addr string,
	mode string,
	nodeID string,
	agentCfg *sharedConfig.AgentConfig,
	validator *trust.Validator,
	registry *Registry,
	relay *Relay,
	b *bus.Bus,
	log logger.Interface,
) *Server {
	return &Server{
		addr:      addr,
		mode:      mode,
		nodeID:    nodeID,
		handshake: time.Duration(agentCfg.ConnectTimeoutSeconds) * time.Second,
		validator: validator,
		registry:  registry,
		relay:     relay,
		bus:       b,
		logger:    log.Named("peer-server"),
	}
}

// handler builds the websocket upgrade endpoint.
func (s *Server) handler() http.Handler {
	if s.mode != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/", s.handleWS)
	return engine
}

// Start begins accepting peer connections.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.handler(),
	}

	goroutine.SafeGo(s.logger, "peer-listener", func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorw("peer listener failed", "addr", s.addr, "error", err)
		}
	})

	s.logger.Infow("peer server listening", "addr", s.addr)
	return nil
}

// Shutdown stops accepting peer connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnw("failed to upgrade peer socket",
			"ip", c.ClientIP(),
			"error", err,
		)
		return
	}

	p, ok := s.admit(ws, c.ClientIP())
	if !ok {
		ws.Close()
		return
	}

	s.bus.Emit(bus.EventPeerConnected, &bus.PeerConnected{
		NodeID: p.NodeID,
		Issuer: p.Issuer,
	})

	s.readLoop(p, ws)
}

// admit reads and verifies the single handshake frame.
func (s *Server) admit(ws *websocket.Conn, ip string) (*Peer, bool) {
	ws.SetReadLimit(panprotocol.MaxFrameSize)
	ws.SetReadDeadline(time.Now().Add(s.handshake))

	_, raw, err := ws.ReadMessage()
	if err != nil {
		s.logger.Warnw("peer handshake read failed", "ip", ip, "error", err)
		return nil, false
	}

	obj, err := panprotocol.Decode(raw)
	if err != nil || !panprotocol.ValidPeerMessage(obj) {
		s.rejectHandshake(ws, "invalid handshake frame")
		return nil, false
	}

	f, err := panprotocol.ToFrame(raw)
	if err != nil || f.Type != panprotocol.TypePeerControl || f.MsgType != panprotocol.CtrlPeerHello {
		s.rejectHandshake(ws, "handshake must be a peer_control hello")
		return nil, false
	}

	token, _ := f.Payload["token"].(string)
	if token == "" {
		s.rejectHandshake(ws, "hello requires a token")
		return nil, false
	}
	if _, err := s.validator.ValidateToken(token); err != nil {
		s.rejectHandshake(ws, "invalid token")
		return nil, false
	}

	res := s.validator.IsTokenTrusted(token, extraTokens(f.Payload), []string{panprotocol.PurposePeerConnect})
	if !res.Trusted {
		s.logger.Warnw("peer handshake not trusted",
			"ip", ip,
			"issuer", res.Issuer,
			"reason", res.Reason,
		)
		s.rejectHandshake(ws, res.Reason)
		return nil, false
	}

	p := NewPeer(f.From.NodeID, res.Issuer, res.Decoded.Name(), ws)
	if err := s.registry.Register(p); err != nil {
		s.logger.Warnw("peer rejected",
			"node_id", p.NodeID,
			"issuer", p.Issuer,
			"error", err,
		)
		s.rejectHandshake(ws, "node_id is held by a different issuer")
		return nil, false
	}

	ws.SetReadDeadline(time.Time{})
	s.logger.Infow("peer admitted",
		"node_id", p.NodeID,
		"issuer", p.Issuer,
		"ip", ip,
	)
	return p, true
}

// readLoop consumes relayed frames from an admitted peer.
func (s *Server) readLoop(p *Peer, ws *websocket.Conn) {
	defer func() {
		s.registry.Remove(p)
		ws.Close()
		s.logger.Infow("peer disconnected", "node_id", p.NodeID)
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if len(raw) > panprotocol.MaxFrameSize {
			continue
		}
		obj, err := panprotocol.Decode(raw)
		if err != nil || !panprotocol.ValidPeerMessage(obj) {
			s.logger.Debugw("dropping invalid peer frame", "node_id", p.NodeID)
			continue
		}
		f, err := panprotocol.ToFrame(raw)
		if err != nil {
			continue
		}
		s.relay.DeliverLocal(f)
	}
}

// rejectHandshake emits an auth.failed error frame before closing.
func (s *Server) rejectHandshake(ws *websocket.Conn, reason string) {
	f := panprotocol.NewControl(panprotocol.Address{NodeID: s.nodeID}, panprotocol.CtrlAuthFailed, map[string]any{
		"message": reason,
	}, "")
	f.MsgID = uuid.NewString()
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteMessage(websocket.TextMessage, data)
}

// extraTokens pulls the optional supporting token list from the payload.
func extraTokens(payload map[string]any) []string {
	raw, ok := payload["tokens"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
