// Package api exposes the dispatch engine over REST and WebSocket: batch
// admission and control, progress snapshots, breaker stats, health and
// Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ignite/sms-dispatch/internal/config"
)

// Server wraps the routed handlers in an http.Server.
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	server  *http.Server
}

// NewServer wires the handler set into a routed server.
func NewServer(cfg config.ServerConfig, h *Handlers, streamer *ProgressStreamer, checker *HealthChecker, metricsHandler http.Handler) *Server {
	return &Server{
		config:  cfg,
		handler: SetupRoutes(h, streamer, checker, metricsHandler, cfg.CORSOrigins),
	}
}

// ListenAndServe starts the HTTP server. Dispatches run asynchronously, so
// requests stay small and fast; the WebSocket endpoint hijacks its
// connection, leaving these timeouts to govern only the REST surface.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
