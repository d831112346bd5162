package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pan/internal/auth"
	"pan/internal/group"
	sharedConfig "pan/internal/shared/config"
	sharederrors "pan/internal/shared/errors"
	"pan/internal/shared/goroutine"
	"pan/internal/shared/logger"
	"pan/internal/shared/panprotocol"
	"pan/internal/spam"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server terminates agent connections: accept loop, per-connection state
// machine, resume grace, and the pending-connection sweep.
type Server struct {
	addr     string
	mode     string
	nodeID   string
	agentCfg *sharedConfig.AgentConfig
	spamCfg  *sharedConfig.SpamConfig

	registry *Registry
	groups   *group.Manager
	authMgr  *auth.Manager
	router   *Router
	logger   logger.Interface

	httpServer *http.Server

	pendingMu sync.Mutex
	pending   map[*session]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
}

// session tracks one socket from accept to close. conn stays nil until the
// socket authenticates.
type session struct {
	srv   *Server
	ws    *websocket.Conn
	guard *spam.Guard
	conn  *Connection

	msgErrors   int
	lastErrorAt time.Time
	openedAt    time.Time
}

// NewServer wires the agent listener.
func NewServer(
	addr string,
	mode string,
	nodeID string,
	agentCfg *sharedConfig.AgentConfig,
	spamCfg *sharedConfig.SpamConfig,
	registry *Registry,
	groups *group.Manager,
	authMgr *auth.Manager,
	router *Router,
	log logger.Interface,
) *Server {
	return &Server{
		addr:     addr,
		mode:     mode,
		nodeID:   nodeID,
		agentCfg: agentCfg,
		spamCfg:  spamCfg,
		registry: registry,
		groups:   groups,
		authMgr:  authMgr,
		router:   router,
		logger:   log.Named("agent-server"),
		pending:  make(map[*session]struct{}),
		stopCh:   make(chan struct{}),
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

// Start begins accepting agent connections and runs the maintenance sweep.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.handler(),
	}

	goroutine.SafeGo(s.logger, "agent-listener", func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorw("agent listener failed", "addr", s.addr, "error", err)
		}
	})
	goroutine.SafeGo(s.logger, "agent-sweep", s.sweepLoop)

	s.logger.Infow("agent server listening", "addr", s.addr)
	return nil
}

// Shutdown stops accepting connections and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleWS upgrades an agent socket and runs its read loop.
func (s *Server) handleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnw("failed to upgrade agent socket",
			"ip", c.ClientIP(),
			"error", err,
		)
		return
	}

	sess := &session{
		srv:      s,
		ws:       ws,
		guard:    spam.NewGuard(s.spamCfg),
		openedAt: time.Now(),
	}
	s.addPending(sess)

	s.logger.Debugw("agent socket opened", "ip", c.ClientIP())
	s.readLoop(sess)
}

// readLoop processes frames in receive order until the socket dies or the
// state machine decides to close.
func (s *Server) readLoop(sess *session) {
	defer s.onSocketClosed(sess)

	ws := sess.ws
	ws.SetReadLimit(1 << 20)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugw("agent socket read error", "error", err)
			}
			return
		}
		if !s.handleFrame(sess, raw) {
			return
		}
	}
}

// onSocketClosed runs when a read loop exits for any reason. For an
// authenticated connection that was not torn down explicitly it arms the
// resume grace timer; everything else just drops the socket.
func (s *Server) onSocketClosed(sess *session) {
	s.removePending(sess)

	conn := sess.conn
	if conn == nil {
		sess.ws.Close()
		return
	}

	// Explicit disconnect already unregistered the connection.
	if s.registry.Get(conn.ID) == nil {
		return
	}

	// A resumed session may have rebound the connection to a newer socket;
	// only the currently bound socket arms the grace timer.
	if conn.Socket() != sess.ws {
		sess.ws.Close()
		return
	}

	// The loop may have exited because the state machine refused the frame;
	// make sure the socket is really gone before arming the grace timer.
	sess.ws.Close()

	grace := time.Duration(s.agentCfg.ResumeGraceSeconds) * time.Second
	s.logger.Infow("agent socket lost, starting resume grace",
		"conn_id", conn.ID,
		"grace", grace,
	)
	conn.ScheduleCleanup(grace, func() {
		s.logger.Infow("resume grace expired, cleaning up", "conn_id", conn.ID)
		s.Cleanup(conn)
	})
}

// Cleanup tears a connection down: subscriptions, registry entry, socket.
func (s *Server) Cleanup(conn *Connection) {
	conn.CancelCleanup()
	s.groups.RemoveFromAll(conn.ID)
	s.registry.Unregister(conn.ID)
	conn.Close()
}

// handleFrame runs the per-frame state machine. It returns false when the
// socket must close. No failure may propagate past the frame boundary.
func (s *Server) handleFrame(sess *session, raw []byte) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("frame handler panicked",
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			sess.sendControl(panprotocol.CtrlMessageFailure, map[string]any{
				"error": "internal error",
			}, "")
			keep = false
		}
	}()

	// 1. Spam check, before any parsing: flooders pay the cheapest work.
	if violated, disconnect := sess.guard.Check(); violated {
		sess.sendControl(panprotocol.CtrlSpeedLimitExceeded, map[string]any{
			"limit":  sess.guard.Limit(),
			"window": sess.guard.Window(),
		}, "")
		if disconnect {
			s.logger.Warnw("closing agent socket after repeated speed violations",
				"violations", sess.guard.Violations(),
			)
			return false
		}
		return true
	}

	// 2. Size check.
	if len(raw) > panprotocol.MaxFrameSize {
		sess.sendControl(panprotocol.CtrlBadPacket, map[string]any{
			"error": fmt.Sprintf("frame exceeds %d bytes", panprotocol.MaxFrameSize),
		}, "")
		return true
	}

	// 3. Parse.
	obj, err := panprotocol.Decode(raw)
	if err != nil {
		sess.sendControl(panprotocol.CtrlMessageFailure, map[string]any{
			"error": "frame is not a JSON object",
		}, "")
		return false
	}

	// 4. Schema validation.
	if !panprotocol.ValidAgentMessage(obj) {
		return s.onSchemaError(sess, obj)
	}

	f, err := panprotocol.ToFrame(raw)
	if err != nil {
		// Unreachable after validation; treated as a parse failure.
		sess.sendControl(panprotocol.CtrlMessageFailure, map[string]any{
			"error": "frame decode failed",
		}, "")
		return false
	}

	// 5. Authentication gate.
	if sess.conn == nil {
		// Unauthenticated frames must carry the null identity and may only
		// be the auth control message.
		if f.Type != panprotocol.TypeControl || f.MsgType != panprotocol.CtrlAuth ||
			f.From.NodeID != panprotocol.NullID {
			sess.sendControl(panprotocol.CtrlAuthFailed, map[string]any{
				"message": "Authorization required",
			}, f.MsgID)
			return false
		}
		return s.handleAuth(sess, f)
	}

	// 6. Identity check and rewrite. A spoofed from is a protocol violation
	// and closes the socket without a reply.
	if f.From == nil || f.From.NodeID != s.nodeID || f.From.ConnID != sess.conn.ID {
		s.logger.Warnw("from-identity mismatch, closing socket",
			"conn_id", sess.conn.ID,
		)
		return false
	}
	f.From = &panprotocol.Address{NodeID: s.nodeID, ConnID: sess.conn.ID}

	s.router.Route(sess.conn, f)
	return true
}

// onSchemaError accounts a schema failure against the connection budget.
func (s *Server) onSchemaError(sess *session, obj map[string]any) bool {
	now := time.Now()
	resetWindow := time.Duration(s.agentCfg.ErrorResetWindowMS) * time.Millisecond
	if sess.msgErrors > 0 && now.Sub(sess.lastErrorAt) > resetWindow {
		sess.msgErrors = 0
	}
	sess.msgErrors++
	sess.lastErrorAt = now

	inResponseTo, _ := obj["msg_id"].(string)
	sess.sendControl(panprotocol.CtrlError, map[string]any{
		"error_type": string(sharederrors.ErrorTypeInvalidMessage),
		"message":    "frame failed schema validation",
	}, inResponseTo)

	if sess.conn != nil && sess.conn.RecordError("schema validation failure") {
		sess.sendControl(panprotocol.CtrlTooManyBadMessages, nil, "")
		return false
	}
	if sess.msgErrors > s.agentCfg.MaxErrorsBeforeDisconnect {
		sess.sendControl(panprotocol.CtrlTooManyBadMessages, nil, "")
		return false
	}
	return true
}

// handleAuth submits the auth payload and completes session establishment,
// including resume after disconnect.
func (s *Server) handleAuth(sess *session, f *panprotocol.Frame) bool {
	done := make(chan auth.Result, 1)
	s.authMgr.SubmitAuthRequest(f.Payload, func(r auth.Result) {
		done <- r
	})
	res := <-done

	if !res.Success {
		msg := res.Err
		if msg == "" {
			msg = "authentication failed"
		}
		sess.sendControl(panprotocol.CtrlAuthFailed, map[string]any{
			"message": msg,
		}, f.MsgID)
		return false
	}

	if authType, _ := f.Payload["auth_type"].(string); authType == panprotocol.AuthTypeReconnect {
		return s.handleResume(sess, f)
	}

	conn := NewConnection(uuid.NewString(), res.Name, s.nodeID, sess.ws, s.logger)
	s.registry.Register(conn)
	sess.conn = conn
	s.removePending(sess)

	conn.SendControl(panprotocol.CtrlAuthOK, map[string]any{
		"node_id":   s.nodeID,
		"conn_id":   conn.ID,
		"auth_key":  conn.AuthKey,
		"auth_type": panprotocol.AuthTypeToken,
	}, f.MsgID)

	s.logger.Infow("agent authenticated",
		"conn_id", conn.ID,
		"name", conn.Name,
	)
	return true
}

// handleResume rebinds a new socket to a logical connection inside the
// grace window.
func (s *Server) handleResume(sess *session, f *panprotocol.Frame) bool {
	rc, _ := f.Payload["reconnect"].(map[string]any)
	connID, _ := rc["conn_id"].(string)
	authKey, _ := rc["auth_key"].(string)

	conn := s.registry.Resume(connID, authKey)
	if conn == nil {
		sess.sendControl(panprotocol.CtrlAuthFailed, map[string]any{
			"message": "Invalid resume credentials",
		}, f.MsgID)
		return false
	}

	conn.CancelCleanup()
	conn.Rebind(sess.ws)
	sess.conn = conn
	s.removePending(sess)

	conn.SendControl(panprotocol.CtrlAuthOK, map[string]any{
		"node_id":   s.nodeID,
		"conn_id":   conn.ID,
		"auth_key":  conn.AuthKey,
		"auth_type": panprotocol.AuthTypeReconnect,
	}, f.MsgID)

	s.logger.Infow("agent resumed", "conn_id", conn.ID)
	return true
}

// sweepLoop closes sockets that opened but did not authenticate in time.
func (s *Server) sweepLoop() {
	interval := time.Duration(s.agentCfg.SweepIntervalSeconds) * time.Second
	timeout := time.Duration(s.agentCfg.ConnectTimeoutSeconds) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.pendingMu.Lock()
			var stale []*session
			for sess := range s.pending {
				if now.Sub(sess.openedAt) > timeout {
					stale = append(stale, sess)
				}
			}
			s.pendingMu.Unlock()

			for _, sess := range stale {
				s.logger.Debugw("closing unauthenticated socket past connect timeout")
				sess.ws.Close()
			}
		}
	}
}

func (s *Server) addPending(sess *session) {
	s.pendingMu.Lock()
	s.pending[sess] = struct{}{}
	s.pendingMu.Unlock()
}

func (s *Server) removePending(sess *session) {
	s.pendingMu.Lock()
	delete(s.pending, sess)
	s.pendingMu.Unlock()
}

// sendControl writes a control frame on this session, through the bound
// connection once authenticated, directly on the raw socket before that.
func (sess *session) sendControl(msgType string, payload map[string]any, inResponseTo string) {
	if sess.conn != nil {
		sess.conn.SendControl(msgType, payload, inResponseTo)
		return
	}
	f := panprotocol.NewControl(panprotocol.Address{NodeID: sess.srv.nodeID}, msgType, payload, inResponseTo)
	f.MsgID = uuid.NewString()
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	sess.ws.SetWriteDeadline(time.Now().Add(writeWait))
	sess.ws.WriteMessage(websocket.TextMessage, data)
}
