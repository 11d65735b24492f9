package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/character-harvester/internal/errors"
	"github.com/character-harvester/internal/lease"
	"github.com/character-harvester/internal/types"
)

// handleLeaseBatch handles GET /scraping/{kind}/{n}. n is clamped by the
// authority; only a non-integer n is rejected.
func (s *Server) handleLeaseBatch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	kind, err := types.ParseScrapeKind(vars["kind"])
	if err != nil {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("kind", err.Error()))
		return
	}

	n, err := strconv.Atoi(vars["n"])
	if err != nil {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("n", "must be an integer"))
		return
	}

	items, err := s.authority.RequestBatch(r.Context(), kind, n)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, types.NewLeaseBatchResponse(kind, items))
}

// StatsResponse is the body of GET /scraping/stats.
type StatsResponse struct {
	lease.Stats
	Policy PolicyView `json:"policy"`
}

// PolicyView renders lease.Policy with readable durations.
type PolicyView struct {
	MaxBatch        int    `json:"maxBatch"`
	FreshnessWindow string `json:"freshnessWindow"`
	LeaseDuration   string `json:"leaseDuration"`
	ExpandBy        int    `json:"expandBy"`
	RecheckAbsent   bool   `json:"recheckAbsent"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	p := s.authority.Policy()
	respondJSON(w, http.StatusOK, StatsResponse{
		Stats: s.authority.Stats(),
		Policy: PolicyView{
			MaxBatch:        p.MaxBatch,
			FreshnessWindow: p.FreshnessWindow.String(),
			LeaseDuration:   p.LeaseDuration.String(),
			ExpandBy:        p.ExpandBy,
			RecheckAbsent:   p.RecheckAbsent,
		},
	})
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			respondServiceError(w, r, apperrors.NewDatabaseError("ping", err))
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "character-harvester",
	})
}
