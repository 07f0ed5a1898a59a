package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BlackQuiet/server/internal/campaign"
)

// handleCampaignStart validates and admits a campaign submission.
//
//	POST /api/campaign/start
func (s *Server) handleCampaignStart(w http.ResponseWriter, r *http.Request) {
	var sub campaign.Submission
	if err := decodeJSON(r, &sub); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := s.registry.Submit(r.Context(), &sub)
	if err != nil {
		var vErr campaign.ErrValidation
		if errors.As(err, &vErr) {
			respondErrors(w, http.StatusBadRequest, "validation failed", vErr.Problems)
			return
		}
		var cErr campaign.ErrCapacity
		if errors.As(err, &cErr) {
			respondError(w, http.StatusTooManyRequests, cErr.Error())
			return
		}
		s.respondSafeError(w, http.StatusInternalServerError, err, "failed to start campaign")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"campaignId": id,
	})
}

// handleCampaignStatus returns a point-in-time snapshot of a campaign.
//
//	GET /api/campaign/{id}/status
func (s *Server) handleCampaignStatus(w http.ResponseWriter, r *http.Request) {
	c := s.registry.Get(chi.URLParam(r, "id"))
	if c == nil {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"campaign": c.Snapshot(),
	})
}

// handleCampaignRotation returns the per-relay runtime state.
//
//	GET /api/campaign/{id}/smtp-rotation
func (s *Server) handleCampaignRotation(w http.ResponseWriter, r *http.Request) {
	c := s.registry.Get(chi.URLParam(r, "id"))
	if c == nil {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"relays":  c.Tracker.Snapshot(),
	})
}

// handleCampaignStop requests a cooperative stop.
//
//	POST /api/campaign/{id}/stop
func (s *Server) handleCampaignStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.registry.Get(id) == nil {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}

	stopped := s.registry.Stop(id)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"stopped": stopped,
	})
}

// handleStats aggregates over all retained campaign records.
//
//	GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"stats":   s.registry.Stats(),
	})
}
