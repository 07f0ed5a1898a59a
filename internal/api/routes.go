package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/BlackQuiet/server/internal/pkg/logger"
)

// routes configures the control-plane router.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(securityHeaders)

	// CORS: explicit origin allow-list, no wildcard.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/", s.handleRoot)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimit("api", s.rateCfg.APICallsPer15Min, 15*time.Minute))

		r.Get("/health", s.handleHealth)
		r.Get("/health/live", s.handleLiveness)
		r.Get("/health/ready", s.handleReadiness)
		r.Get("/stats", s.handleStats)

		r.With(s.rateLimit("smtp-test", s.rateCfg.SMTPTestsPer15Min, 15*time.Minute)).
			Post("/smtp/test", s.handleSMTPTest)

		r.Route("/campaign", func(r chi.Router) {
			r.With(s.rateLimit("campaign-start", s.rateCfg.CampaignStartsPerHour, time.Hour)).
				Post("/start", s.handleCampaignStart)
			r.Get("/{id}/status", s.handleCampaignStatus)
			r.Get("/{id}/smtp-rotation", s.handleCampaignRotation)
			r.Post("/{id}/stop", s.handleCampaignStop)
		})
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		respondJSON(w, http.StatusNotFound, map[string]interface{}{
			"success": false,
			"error":   "not found",
			"service": serviceName,
		})
	})

	return r
}

// requestLogger emits one structured line per request. Recipient addresses
// never appear in paths, so the logger's redaction has nothing to catch here.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
