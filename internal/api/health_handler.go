package api

import (
	"fmt"
	"net/http"
	"runtime"
	"time"
)

const (
	serviceName    = "bulk-email-engine"
	serviceVersion = "1.0.0"
)

// handleRoot returns a service descriptor so a browser hit on the bare
// host shows something useful.
//
//	GET /
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": serviceName,
		"version": serviceVersion,
		"status":  "running",
	})
}

// handleHealth reports process health: uptime, memory, goroutines and
// engine occupancy. Always returns 200; the body conveys the detail.
// Probes that need a 503 should use /api/health/ready.
//
//	GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  "healthy",
		"service": serviceName,
		"version": serviceVersion,
		"uptime":  formatUptime(time.Since(s.startTime)),
		"runtime": map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"heap_alloc": formatBytes(m.HeapAlloc),
			"heap_sys":   formatBytes(m.HeapSys),
			"num_gc":     m.NumGC,
			"go_version": runtime.Version(),
			"transports": s.pool.Size(),
		},
		"campaigns": map[string]interface{}{
			"active":   s.registry.ActiveCount(),
			"retained": s.registry.Count(),
		},
	})
}

// handleLiveness answers process-up probes.
//
//	GET /api/health/live
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": formatUptime(time.Since(s.startTime)),
	})
}

// handleReadiness answers readiness probes. The engine has no hard
// external dependencies at rest, so readiness tracks whether the rate
// limiter backend is reachable when one is configured.
//
//	GET /api/health/ready
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		if _, err := s.limiter.Allow(r.Context(), "readiness-probe", 1<<30, time.Minute); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"ready": false,
				"error": "rate limiter backend unreachable",
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ready": true,
	})
}

// formatUptime produces a human-readable uptime string like "3d 4h 12m 5s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// formatBytes renders a byte count as MB with one decimal.
func formatBytes(b uint64) string {
	return fmt.Sprintf("%.1f MB", float64(b)/(1024*1024))
}
