package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/radio-control/commlink/internal/auth"
	"github.com/radio-control/commlink/internal/config"
	"github.com/radio-control/commlink/internal/logging"
)

// Server represents the HTTP API server.
type Server struct {
	mu             sync.Mutex
	httpServer     *http.Server
	telemetryHub   TelemetryPort
	orchestrator   OrchestratorPort
	authMiddleware *auth.Middleware
	log            logrus.FieldLogger
	startTime      time.Time
	cfg            config.ServerConfig
}

// NewServer creates a new API server. authMiddleware may be nil, which
// leaves every route open.
func NewServer(telemetryHub TelemetryPort, orchestrator OrchestratorPort, authMiddleware *auth.Middleware, cfg config.ServerConfig, log logrus.FieldLogger) *Server {
	if authMiddleware == nil {
		authMiddleware = auth.NewMiddleware(nil)
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Server{
		telemetryHub:   telemetryHub,
		orchestrator:   orchestrator,
		authMiddleware: authMiddleware,
		log:            logging.Component(log, "api"),
		startTime:      time.Now(),
		cfg:            cfg,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Serve serves on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	// streaming routes (SSE, WebSocket) must not be cut off by WriteTimeout,
	// so it is applied per handler rather than on the server
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	s.log.WithField("addr", ln.Addr().String()).Info("http api listening")
	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
