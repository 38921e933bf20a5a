// Package handlers provides HTTP handlers for portfolio optimization.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/factorrisk/internal/modules/optimization"
	"github.com/aristath/factorrisk/internal/modules/riskmodel"
)

// SnapshotSource resolves a risk model run to its persisted snapshot.
// riskmodel.Service satisfies it.
type SnapshotSource interface {
	Snapshot(runID string) (*riskmodel.Snapshot, error)
}

// Handler handles optimization HTTP requests
type Handler struct {
	core      *optimization.OptimizerCore
	request   *optimization.RequestOptimizer
	snapshots SnapshotSource
	log       zerolog.Logger
}

// NewHandler creates a new optimization handler
func NewHandler(
	core *optimization.OptimizerCore,
	request *optimization.RequestOptimizer,
	snapshots SnapshotSource,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		core:      core,
		request:   request,
		snapshots: snapshots,
		log:       log.With().Str("handler", "optimizer").Logger(),
	}
}

// inlineCovariance is a covariance matrix posted with the request
type inlineCovariance struct {
	Symbols []string    `json:"symbols"`
	Matrix  [][]float64 `json:"matrix"`
}

type inlineModel struct {
	symbols []string
	cov     *mat.SymDense
}

func (m inlineModel) CovarianceMatrix() *mat.SymDense { return m.cov }
func (m inlineModel) Symbols() []string               { return m.symbols }

func (c *inlineCovariance) model() (inlineModel, bool) {
	n := len(c.Symbols)
	if n == 0 || len(c.Matrix) != n {
		return inlineModel{}, false
	}
	for _, row := range c.Matrix {
		if len(row) != n {
			return inlineModel{}, false
		}
	}
	cov := mat.NewSymDense(n, nil)
	for i, row := range c.Matrix {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, 0.5*(row[j]+c.Matrix[j][i]))
		}
	}
	return inlineModel{symbols: c.Symbols, cov: cov}, true
}

// optimizeRequest is the body of POST /api/optimizer/optimize. Exactly one of RunID or
// Covariance supplies the risk model.
type optimizeRequest struct {
	ExpectedReturns  optimization.ExpectedReturns `json:"expected_returns"`
	RunID            string                       `json:"run_id,omitempty"`
	Covariance       *inlineCovariance            `json:"covariance,omitempty"`
	Exposures        *optimization.ExposureTable  `json:"exposures,omitempty"`
	BenchmarkWeights map[string]float64           `json:"benchmark_weights,omitempty"`
	SectorMap        map[string]string            `json:"sector_map,omitempty"`
}

// HandleOptimize handles POST /api/optimizer/optimize
func (h *Handler) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if (req.RunID == "") == (req.Covariance == nil) {
		h.writeError(w, http.StatusBadRequest, "Request must contain exactly one of run_id or covariance")
		return
	}

	var model optimization.RiskModel
	exposures := req.Exposures
	if req.RunID != "" {
		snap, ok := h.loadSnapshot(w, req.RunID)
		if !ok {
			return
		}
		model = snap
		if exposures == nil {
			exposures = optimization.ExposureTableFromBetas(snap.Universe, snap.Factors, snap.Betas)
		}
	} else {
		inline, ok := req.Covariance.model()
		if !ok {
			h.writeError(w, http.StatusBadRequest, "Covariance must be a square matrix matching its symbols")
			return
		}
		model = inline
	}

	result := h.core.Optimize(req.ExpectedReturns, model, exposures, req.BenchmarkWeights, req.SectorMap)
	if !result.Succeeded() {
		h.log.Warn().
			Str("run_id", req.RunID).
			Str("message", result.Message).
			Msg("Optimization did not succeed")
	}
	h.writeData(w, http.StatusOK, result)
}

// HandleSolve handles POST /api/optimizer/solve
func (h *Handler) HandleSolve(w http.ResponseWriter, r *http.Request) {
	var req optimization.OptimizerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.request.Solve(&req)
	if err != nil {
		var solverErr *optimization.SolverError
		switch {
		case errors.Is(err, optimization.ErrInvalidRequest):
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.As(err, &solverErr):
			h.log.Warn().
				Str("solver", solverErr.Solver).
				Str("status", string(solverErr.Status)).
				Msg("Solver did not reach a solution")
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			h.log.Error().Err(err).Msg("Failed to solve optimization request")
			h.writeError(w, http.StatusInternalServerError, "Failed to solve optimization request")
		}
		return
	}

	h.writeData(w, http.StatusOK, result)
}

func (h *Handler) loadSnapshot(w http.ResponseWriter, runID string) (*riskmodel.Snapshot, bool) {
	snap, err := h.snapshots.Snapshot(runID)
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

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
