// Package handlers provides HTTP handlers for risk model fits and snapshot queries.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/factorrisk/internal/modules/riskmodel"
)

// Handler handles risk model HTTP requests
type Handler struct {
	service *riskmodel.Service
	log     zerolog.Logger
}

// NewHandler creates a new risk model handler
func NewHandler(service *riskmodel.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "risk_model").Logger(),
	}
}

// snapshotSummary is the compact view returned by fit endpoints
type snapshotSummary struct {
	RunID       string                   `json:"run_id"`
	Kind        string                   `json:"kind"`
	Symbols     []string                 `json:"symbols"`
	Factors     []string                 `json:"factors"`
	Cached      bool                     `json:"cached"`
	Diagnostics riskmodel.FitDiagnostics `json:"diagnostics"`
}

func summarize(snap *riskmodel.Snapshot, cached bool) snapshotSummary {
	return snapshotSummary{
		RunID:       snap.RunID,
		Kind:        snap.Kind,
		Symbols:     snap.Symbols(),
		Factors:     snap.Factors,
		Cached:      cached,
		Diagnostics: snap.Diagnostics,
	}
}

// HandleFit handles POST /api/risk-model/fit
func (h *Handler) HandleFit(w http.ResponseWriter, r *http.Request) {
	var req riskmodel.FitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	snap, cached, err := h.service.FitFactorModel(r.Context(), req)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to fit factor model")
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.writeData(w, http.StatusOK, summarize(snap, cached))
}

// HandleFitStatistical handles POST /api/risk-model/statistical/fit
func (h *Handler) HandleFitStatistical(w http.ResponseWriter, r *http.Request) {
	var req riskmodel.StatisticalFitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	snap, cached, err := h.service.FitStatistical(r.Context(), req)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to fit statistical model")
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.writeData(w, http.StatusOK, summarize(snap, cached))
}

// HandleGetSnapshot handles GET /api/risk-model/snapshots/{runID}
func (h *Handler) HandleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.loadSnapshot(w, chi.URLParam(r, "runID"))
	if !ok {
		return
	}
	h.writeData(w, http.StatusOK, snap)
}

// HandleExplain handles POST /api/risk-model/snapshots/{runID}/explain
func (h *Handler) HandleExplain(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.loadSnapshot(w, chi.URLParam(r, "runID"))
	if !ok {
		return
	}

	var exposure riskmodel.FactorExposure
	if err := json.NewDecoder(r.Body).Decode(&exposure); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	h.writeData(w, http.StatusOK, snap.ExplainRisk(exposure))
}

type portfolioRiskRequest struct {
	Weights map[string]float64 `json:"weights"`
}

// HandlePortfolioRisk handles POST /api/risk-model/snapshots/{runID}/portfolio-risk
func (h *Handler) HandlePortfolioRisk(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.loadSnapshot(w, chi.URLParam(r, "runID"))
	if !ok {
		return
	}

	var req portfolioRiskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Weights) == 0 {
		h.writeError(w, http.StatusBadRequest, "Request must contain non-empty weights")
		return
	}

	exposure := snap.PortfolioExposure(req.Weights)
	exposureByFactor := make(map[string]float64, len(snap.Factors))
	for i, f := range snap.Factors {
		exposureByFactor[f] = exposure[i]
	}

	h.writeData(w, http.StatusOK, map[string]interface{}{
		"risk":       snap.PortfolioRisk(req.Weights),
		"exposure":   exposureByFactor,
		"by_factor":  snap.DecomposeByFactor(req.Weights),
		"run_id":     snap.RunID,
		"model_kind": snap.Kind,
	})
}

func (h *Handler) loadSnapshot(w http.ResponseWriter, runID string) (*riskmodel.Snapshot, bool) {
	snap, err := h.service.Snapshot(runID)
	if errors.Is(err, riskmodel.ErrSnapshotNotFound) {
		h.writeError(w, http.StatusNotFound, "Snapshot not found")
		return nil, false
	}
	if err != nil {
		h.log.Error().Err(err).Str("run_id", runID).Msg("Failed to load snapshot")
		h.writeError(w, http.StatusInternalServerError, "Failed to load snapshot")
		return nil, false
	}
	return snap, true
}

func (h *Handler) writeData(w http.ResponseWriter, status int, data interface{}) {
	h.writeJSON(w, status, map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
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
