// Package server implements the `pand server` command: the composition
// root that assembles every subsystem and runs the node until a signal.
package server

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"pan/internal/agent"
	"pan/internal/auth"
	"pan/internal/bus"
	"pan/internal/group"
	"pan/internal/identity"
	"pan/internal/infrastructure/config"
	"pan/internal/peer"
	"pan/internal/shared/logger"
	"pan/internal/trust"
)

func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Start the PAN node",
		Long:  `Start the PAN node: agent listener, peer listener, and the routing core.`,
		RunE:  run,
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(&cfg.Logger); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.NewLogger()

	gin.DefaultWriter = io.Discard

	// Identity first: everything downstream carries the node_id.
	ident, err := identity.New(&cfg.Identity, log)
	if err != nil {
		return fmt.Errorf("failed to initialize node identity: %w", err)
	}
	nodeID := ident.NodeID()
	log.Infow("node identity ready", "node_id", nodeID)

	// The identity setter capability stays with the composition root.
	if _, err := ident.Setter(); err != nil {
		return fmt.Errorf("failed to obtain identity setter: %w", err)
	}

	eventBus := bus.New(log)

	// Disjoint trust domains for agents and peers.
	ttl := time.Duration(cfg.Trust.CacheTTLSeconds) * time.Second
	agentIssuers, err := trust.NewIssuerStore(cfg.Trust.TrustedAgentsFile, ttl, log)
	if err != nil {
		return fmt.Errorf("failed to load agent trust config: %w", err)
	}
	peerIssuers, err := trust.NewIssuerStore(cfg.Trust.TrustedPeersFile, ttl, log)
	if err != nil {
		return fmt.Errorf("failed to load peer trust config: %w", err)
	}
	agentTrust := trust.NewValidator(agentIssuers, nil, log)
	peerTrust := trust.NewValidator(peerIssuers, nil, log)

	authMgr, err := auth.NewManager(&cfg.Auth, map[string]auth.Method{
		"local": auth.NewLocalMethod(agentTrust, cfg.Auth.AllowUntrustedAgents),
	}, log)
	if err != nil {
		return fmt.Errorf("failed to build auth manager: %w", err)
	}

	agentRegistry := agent.NewRegistry(log)
	peerRegistry := peer.NewRegistry(log)
	groups := group.NewManager(cfg.Group.MaxMsgTypesPerGroup, log)

	agentServer := buildAgentServer(cfg, nodeID, agentRegistry, groups, authMgr, eventBus, log)

	relay := peer.NewRelay(nodeID, peerRegistry, agentRegistry, groups, log)
	relay.Start(eventBus)

	peerServer := peer.NewServer(
		cfg.Server.PeerAddr(), cfg.Server.Mode, nodeID,
		&cfg.Agent, peerTrust, peerRegistry, relay, eventBus, log,
	)

	if err := agentServer.Start(); err != nil {
		return fmt.Errorf("failed to start agent server: %w", err)
	}
	if err := peerServer.Start(); err != nil {
		return fmt.Errorf("failed to start peer server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Infow("shutting down node")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Reverse dependency order: listeners first, routing core after.
	if err := peerServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("peer server shutdown failed", "error", err)
	}
	if err := agentServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("agent server shutdown failed", "error", err)
	}

	log.Infow("node exited gracefully")
	return nil
}

func buildAgentServer(
	cfg *config.Config,
	nodeID string,
	registry *agent.Registry,
	groups *group.Manager,
	authMgr *auth.Manager,
	eventBus *bus.Bus,
	log logger.Interface,
) *agent.Server {
	var server *agent.Server

	control := agent.NewControlHandlers(groups, eventBus, func(conn *agent.Connection) {
		server.Cleanup(conn)
	}, log)
	router := agent.NewRouter(nodeID, registry, groups, eventBus, control, log)

	server = agent.NewServer(
		cfg.Server.AgentAddr(), cfg.Server.Mode, nodeID,
		&cfg.Agent, &cfg.Spam,
		registry, groups, authMgr, router, log,
	)
	return server
}
