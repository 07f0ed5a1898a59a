package api

import (
	"context"
	"net/http"
	"time"

	"github.com/BlackQuiet/server/internal/campaign"
	"github.com/BlackQuiet/server/internal/config"
	"github.com/BlackQuiet/server/internal/smtppool"
)

// Server is the HTTP control plane over the campaign engine.
type Server struct {
	registry *campaign.Registry
	pool     *smtppool.Pool
	limiter  Limiter

	allowedOrigins []string
	rateCfg        config.RateLimitConfig
	devMode        bool
	startTime      time.Time

	handler http.Handler
	server  *http.Server
}

// NewServer wires the control plane. limiter may be a RedisLimiter or the
// in-process MemoryLimiter fallback.
func NewServer(cfg *config.Config, registry *campaign.Registry, pool *smtppool.Pool, limiter Limiter) *Server {
	s := &Server{
		registry:       registry,
		pool:           pool,
		limiter:        limiter,
		allowedOrigins: cfg.Server.AllowedOrigins,
		rateCfg:        cfg.RateLimit,
		devMode:        cfg.Server.DevMode(),
		startTime:      time.Now(),
	}
	s.handler = s.routes()
	return s
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
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
