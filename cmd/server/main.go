package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BlackQuiet/server/internal/api"
	"github.com/BlackQuiet/server/internal/campaign"
	"github.com/BlackQuiet/server/internal/config"
	"github.com/BlackQuiet/server/internal/pkg/logger"
	"github.com/BlackQuiet/server/internal/smtppool"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		logger.Error("failed to load config", "error", err.Error())
		os.Exit(1)
	}

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		logger.SetLevel(logger.ParseLevel(lvl))
	}
	if cfg.Server.DevMode() {
		logger.SetRedactPII(false)
	}

	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		logger.Error("pre-flight check failed", "error", err.Error())
		os.Exit(1)
	}

	pool := smtppool.NewPool(cfg.SMTP)
	registry := campaign.NewRegistry(cfg.Engine, campaign.PoolAdapter{Pool: pool}, cfg.Tracking)
	registry.StartGC()

	// Rate limiting prefers Redis so replicas behind one load balancer
	// share windows; without Redis each instance enforces its own.
	var limiter api.Limiter
	if cfg.Redis.URL != "" {
		redisLimiter, err := api.NewRedisLimiterFromURL(cfg.Redis.URL)
		if err != nil {
			logger.Warn("redis unavailable, using in-process rate limiter", "error", err.Error())
			limiter = api.NewMemoryLimiter()
		} else {
			limiter = redisLimiter
			defer redisLimiter.Close()
		}
	} else {
		limiter = api.NewMemoryLimiter()
	}

	server := api.NewServer(cfg, registry, pool, limiter)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)
		logger.Info("server starting", "addr", addr, "environment", cfg.Server.Environment)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err.Error())
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down")

	// Stop taking new requests first, then drain running campaigns, then
	// tear down the cached SMTP transports.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err.Error())
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout())
	defer drainCancel()
	registry.Shutdown(drainCtx)

	pool.Close()
	logger.Info("server stopped")
}
