// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/atrium-collab/atrium/identity"
)

// sweepInterval is how often the server scans for idle portals and
// stale signal records.
const sweepInterval = 30 * time.Second

// ServerConfig holds configuration for creating a Server.
type ServerConfig struct {
	// Config is the server's deployment configuration, typically from
	// LoadConfig.
	Config Config
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
	// Clock drives directory expiry and signal retention. If nil, the
	// wall clock is used. Tests inject a mock to step time.
	Clock clock.Clock
	// ShutdownTimeout bounds graceful shutdown once Serve's context
	// is cancelled. Defaults to 10 seconds if zero.
	ShutdownTimeout time.Duration
}

// Server is the rendezvous server: signaling mailboxes, the websocket
// relay hub, the portal directory, identity resolution, and TURN
// credential handout behind one HTTP listener.
type Server struct {
	config          Config
	logger          *slog.Logger
	clock           clock.Clock
	shutdownTimeout time.Duration

	identities *identity.StaticProvider
	signals    *signalStore
	directory  *portalDirectory
	hub        *hub
	handler    http.Handler

	// ready is closed after the listener is bound and the server is
	// accepting connections.
	ready chan struct{}

	// addr is the resolved listen address, available after ready is
	// closed. With a ":0" listen address it carries the assigned
	// port.
	addr net.Addr
}

// NewServer creates a rendezvous server. Call Serve to start it.
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.Config.Validate(); err != nil {
		return nil, fmt.Errorf("relay: invalid config: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	shutdownTimeout := config.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 10 * time.Second
	}

	resolved := config.Config
	if resolved.Listen == "" {
		resolved.Listen = DefaultListen
	}
	if resolved.PortalTTL == 0 {
		resolved.PortalTTL = Duration(DefaultPortalTTL)
	}

	server := &Server{
		config:          resolved,
		logger:          logger,
		clock:           clk,
		shutdownTimeout: shutdownTimeout,
		identities:      resolved.identityProvider(),
		signals:         newSignalStore(clk),
		directory:       newPortalDirectory(clk, time.Duration(resolved.PortalTTL)),
		hub:             newHub(logger),
		ready:           make(chan struct{}),
	}

	// A host vanishing from the hub takes its portals with it; a host
	// holding a hub connection keeps them alive past the idle TTL.
	server.directory.connected = server.hub.isConnected
	server.hub.onDisconnect = func(peerID string) {
		for _, portalID := range server.directory.dropHost(peerID) {
			logger.Info("expired portal of disconnected host",
				"portal_id", portalID,
				"host_peer_id", peerID,
			)
		}
	}

	server.handler = server.routes()
	return server, nil
}

// Ready returns a channel that is closed once the server is bound and
// accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready()
// is closed.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Handler returns the server's HTTP handler. Exposed so tests and
// embedders can serve the rendezvous API on a listener they manage;
// the sweeper only runs under Serve.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve binds the listener and serves until ctx is cancelled, then
// shuts down gracefully: hub peers are disconnected, new connections
// refused, and in-flight requests drained up to ShutdownTimeout.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("relay: listening on %s: %w", s.config.Listen, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler: s.handler,

		// No whole-request read/write timeouts: /v1/connect holds
		// websocket connections open indefinitely. The hub enforces
		// its own read deadlines after the upgrade.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("rendezvous server listening",
		"address", s.addr.String(),
		"users", len(s.config.Users),
		"turn", s.config.TURN != nil,
	)

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go s.sweepLoop(sweepCtx)

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("rendezvous server shutting down")
	case err := <-serveDone:
		return err
	}

	// Hub connections are hijacked, so Shutdown would not wait for
	// them; disconnect them explicitly first.
	s.hub.closeAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay: shutdown: %w", err)
	}

	s.logger.Info("rendezvous server stopped")
	return nil
}

// sweepLoop expires idle portals and stale signal records until ctx
// is cancelled.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := s.clock.Ticker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.directory.sweep()
			s.signals.sweep()
		case <-ctx.Done():
			return
		}
	}
}
