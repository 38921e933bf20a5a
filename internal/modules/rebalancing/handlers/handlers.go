// Package handlers provides HTTP handlers for batch rebalancing.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/factorrisk/internal/modules/rebalancing"
)

// Handler handles rebalancing HTTP requests
type Handler struct {
	runner *rebalancing.Runner
	log    zerolog.Logger
}

// NewHandler creates a new rebalancing handler
func NewHandler(runner *rebalancing.Runner, log zerolog.Logger) *Handler {
	return &Handler{
		runner: runner,
		log:    log.With().Str("handler", "rebalancing").Logger(),
	}
}

// BatchRequest is the body of POST /api/rebalancing/batch
type BatchRequest struct {
	Windows []rebalancing.Window `json:"windows"`
}

// HandleBatch handles POST /api/rebalancing/batch
func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Error().Err(err).Msg("Failed to decode request body")
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Windows) == 0 {
		h.writeError(w, http.StatusBadRequest, "Request must contain at least one window")
		return
	}

	results, err := h.runner.Run(r.Context(), req.Windows)
	switch {
	case errors.Is(err, rebalancing.ErrEmptyWindow):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.log.Warn().Err(err).Int("windows", len(req.Windows)).Msg("Rebalance batch interrupted")
		h.writeError(w, http.StatusServiceUnavailable, "Rebalance batch interrupted")
		return
	case err != nil:
		h.log.Error().Err(err).Msg("Failed to run rebalance batch")
		h.writeError(w, http.StatusInternalServerError, "Failed to run rebalance batch")
		return
	}

	degraded := 0
	for _, res := range results {
		if res.Degraded {
			degraded++
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": results,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
			"windows":   len(results),
			"degraded":  degraded,
		},
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{"error": message})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
