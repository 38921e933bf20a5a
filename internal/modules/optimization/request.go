package optimization

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/factorrisk/internal/metrics"
)

// ErrInvalidRequest wraps every request validation failure.
var ErrInvalidRequest = errors.New("invalid optimizer request")

// Request defaults.
const (
	DefaultLongLeverage     = 1.30
	DefaultShortLeverage    = 0.30
	DefaultNetExposureLower = 0.90
	DefaultNetExposureUpper = 1.10
)

// RequestParams are the solver parameters of an OptimizerRequest. Lambda, TEMax and TMax are
// required; nil optional fields take the package defaults.
type RequestParams struct {
	Lambda           *float64         `json:"lambda"`
	TEMax            *float64         `json:"te_max"`
	TMax             *float64         `json:"t_max"`
	LongLeverage     *float64         `json:"long_leverage,omitempty"`
	ShortLeverage    *float64         `json:"short_leverage,omitempty"`
	NetExposureLower *float64         `json:"net_exposure_lower,omitempty"`
	NetExposureUpper *float64         `json:"net_exposure_upper,omitempty"`
	FactorLimits     map[string]Bound `json:"factor_limits,omitempty"`
	FactorIndex      map[string]int   `json:"factor_index,omitempty"`
	FactorNames      []string         `json:"factor_names,omitempty"`
	SectorLimits     map[int]Bound    `json:"sector_limits,omitempty"`
	SectorNames      []string         `json:"sector_names,omitempty"`
	TEMatrix         [][]float64      `json:"te_matrix,omitempty"`
}

func valueOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

// OptimizerRequest is a fully numeric rebalance problem over N assets with K factors and J
// sectors. FactorBetas is N×K and SectorMap is N×J; either may be empty.
type OptimizerRequest struct {
	ExpectedActiveReturn []float64     `json:"expected_active_return"`
	Covariance           [][]float64   `json:"covariance"`
	FactorBetas          [][]float64   `json:"factor_betas,omitempty"`
	SectorMap            [][]float64   `json:"sector_map,omitempty"`
	PrevWeights          []float64     `json:"prev_weights"`
	BenchmarkWeights     []float64     `json:"benchmark_weights"`
	LinearCost           []float64     `json:"linear_cost"`
	QuadCost             []float64     `json:"quad_cost"`
	Lower                []float64     `json:"lower"`
	Upper                []float64     `json:"upper"`
	Params               RequestParams `json:"params"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func checkLen(name string, v []float64, n int) error {
	if len(v) != n {
		return invalid("%s length mismatch: %d != %d", name, len(v), n)
	}
	return nil
}

func checkRows(name string, m [][]float64, rows int) (cols int, err error) {
	if len(m) == 0 {
		return 0, nil
	}
	if len(m) != rows {
		return 0, invalid("%s rows mismatch: %d != %d", name, len(m), rows)
	}
	cols = len(m[0])
	for i, r := range m {
		if len(r) != cols {
			return 0, invalid("%s row %d has %d columns, expected %d", name, i, len(r), cols)
		}
	}
	return cols, nil
}

// Validate checks every shape and the required parameters before any solve.
func (r *OptimizerRequest) Validate() error {
	n := len(r.ExpectedActiveReturn)
	if n == 0 {
		return invalid("expected_active_return is empty")
	}
	if cols, err := checkRows("covariance", r.Covariance, n); err != nil {
		return err
	} else if cols != n {
		return invalid("covariance shape mismatch: %dx%d != %dx%d", len(r.Covariance), cols, n, n)
	}

	for _, v := range []struct {
		name string
		vec  []float64
	}{
		{"prev_weights", r.PrevWeights},
		{"benchmark_weights", r.BenchmarkWeights},
		{"linear_cost", r.LinearCost},
		{"quad_cost", r.QuadCost},
		{"lower", r.Lower},
		{"upper", r.Upper},
	} {
		if err := checkLen(v.name, v.vec, n); err != nil {
			return err
		}
	}
	for i := range r.Lower {
		if r.Lower[i] > r.Upper[i] {
			return invalid("lower bound exceeds upper bound for asset %d", i)
		}
	}

	k, err := checkRows("factor_betas", r.FactorBetas, n)
	if err != nil {
		return err
	}
	if _, err := checkRows("sector_map", r.SectorMap, n); err != nil {
		return err
	}

	p := r.Params
	switch {
	case p.Lambda == nil:
		return invalid("missing required parameter: lambda")
	case p.TEMax == nil:
		return invalid("missing required parameter: te_max")
	case p.TMax == nil:
		return invalid("missing required parameter: t_max")
	}
	if *p.Lambda < 0 {
		return invalid("lambda must be non-negative")
	}
	if *p.TEMax <= 0 {
		return invalid("te_max must be positive")
	}
	if *p.TMax < 0 {
		return invalid("t_max must be non-negative")
	}

	for name, idx := range p.FactorIndex {
		if idx < 0 || idx >= k {
			return invalid("factor_index %s = %d outside [0, %d)", name, idx, k)
		}
	}
	if len(p.TEMatrix) > 0 {
		if cols, err := checkRows("te_matrix", p.TEMatrix, n); err != nil {
			return err
		} else if cols != n {
			return invalid("te_matrix shape mismatch: %dx%d != %dx%d", len(p.TEMatrix), cols, n, n)
		}
	}
	return nil
}

// RequestDiagnostics describes the solve behind a RequestResult.
type RequestDiagnostics struct {
	Status         SolveStatus `json:"status"`
	ObjectiveValue float64     `json:"objective_value"`
	Solver         string      `json:"solver"`
	Iterations     int         `json:"iterations"`
}

// RequestResult is the optimized portfolio with its post-trade metrics.
type RequestResult struct {
	Weights         []float64          `json:"weights"`
	Turnover        float64            `json:"turnover"`
	TrackingError   float64            `json:"tracking_error"`
	FactorExposures map[string]float64 `json:"factor_exposures"`
	SectorExposures map[string]float64 `json:"sector_exposures"`
	Cost            float64            `json:"cost"`
	SharpeEstimate  float64            `json:"sharpe_estimate"`
	Diagnostics     RequestDiagnostics `json:"diagnostics"`
}

// RequestOptimizer solves OptimizerRequests: mean-variance with transaction costs, a turnover
// cap, leverage and net-exposure bands, factor and sector limits and an optional tracking-error
// cap. Solver failures are returned as *SolverError.
type RequestOptimizer struct {
	solver  Solver
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewRequestOptimizer creates a request optimizer. A nil solver selects QPSolver.
func NewRequestOptimizer(solver Solver, log zerolog.Logger) *RequestOptimizer {
	if solver == nil {
		solver = NewQPSolver(log)
	}
	return &RequestOptimizer{
		solver: solver,
		log:    log.With().Str("component", "request_optimizer").Logger(),
	}
}

// SetMetrics records solve durations on reg.
func (o *RequestOptimizer) SetMetrics(reg *metrics.Registry) {
	o.metrics = reg
}

func symFrom(rows [][]float64) *mat.SymDense {
	n := len(rows)
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(rows[i][j]+rows[j][i]))
		}
	}
	return s
}

func column(m [][]float64, j int) []float64 {
	out := make([]float64, len(m))
	for i := range m {
		out[i] = m[i][j]
	}
	return out
}

// exposureName returns given[i], or prefix_i when no name was supplied.
func exposureName(given []string, prefix string, i int) string {
	if i < len(given) {
		return given[i]
	}
	return fmt.Sprintf("%s_%d", prefix, i)
}

// sortConstraints orders rows built from maps so solves are reproducible.
func sortConstraints(rows []LinearConstraint) {
	sort.SliceStable(rows, func(a, b int) bool {
		if rows[a].kind != rows[b].kind {
			return rows[a].kind < rows[b].kind
		}
		if rows[a].name != rows[b].name {
			return rows[a].name < rows[b].name
		}
		return rows[a].sense < rows[b].sense
	})
}

// problem translates a validated request.
func (o *RequestOptimizer) problem(req *OptimizerRequest) *Problem {
	p := req.Params

	problem := &Problem{
		ExpectedReturns: append([]float64(nil), req.ExpectedActiveReturn...),
		Covariance:      symFrom(req.Covariance),
		RiskAversion:    *p.Lambda,
		Lower:           append([]float64(nil), req.Lower...),
		Upper:           append([]float64(nil), req.Upper...),
		Budget: Band{
			Lower: valueOr(p.NetExposureLower, DefaultNetExposureLower),
			Upper: valueOr(p.NetExposureUpper, DefaultNetExposureUpper),
		},
		Trading: &TradingTerms{
			Previous:    append([]float64(nil), req.PrevWeights...),
			LinearCost:  append([]float64(nil), req.LinearCost...),
			QuadCost:    append([]float64(nil), req.QuadCost...),
			MaxTurnover: *p.TMax,
		},
		Leverage: &LeverageLimit{
			Long:  valueOr(p.LongLeverage, DefaultLongLeverage),
			Short: valueOr(p.ShortLeverage, DefaultShortLeverage),
		},
	}

	if len(req.FactorBetas) > 0 {
		for name, limit := range p.FactorLimits {
			idx, ok := p.FactorIndex[name]
			if !ok {
				continue
			}
			problem.Constraints = appendBounded(problem.Constraints, KindFactor, name, column(req.FactorBetas, idx), limit)
		}
	}
	if len(req.SectorMap) > 0 {
		j := len(req.SectorMap[0])
		for idx, limit := range p.SectorLimits {
			if idx < 0 || idx >= j {
				continue
			}
			name := exposureName(p.SectorNames, "sector", idx)
			problem.Constraints = appendBounded(problem.Constraints, KindSector, name, column(req.SectorMap, idx), limit)
		}
	}
	sortConstraints(problem.Constraints)

	if len(p.TEMatrix) > 0 {
		problem.TrackingError = &TrackingErrorLimit{
			Benchmark: append([]float64(nil), req.BenchmarkWeights...),
			Matrix:    symFrom(p.TEMatrix),
			Max:       *p.TEMax,
		}
	}
	return problem
}

// Solve validates req, solves it and computes the post-trade metrics.
func (o *RequestOptimizer) Solve(req *OptimizerRequest) (*RequestResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	problem := o.problem(req)

	sol, err := o.solver.Solve(problem)
	if err != nil {
		status := string(StatusFailed)
		var solverErr *SolverError
		if errors.As(err, &solverErr) {
			status = string(solverErr.Status)
		}
		o.metrics.ObserveOptimize(o.solver.Name(), status, time.Since(start), 0)
		o.log.Warn().Err(err).Msg("Request optimization failed")
		return nil, err
	}
	o.metrics.ObserveOptimize(o.solver.Name(), string(sol.Status), time.Since(start), sol.Iterations)

	w := sol.Weights
	result := &RequestResult{
		Weights:         w,
		Turnover:        problem.Trading.Turnover(w),
		FactorExposures: map[string]float64{},
		SectorExposures: map[string]float64{},
		Cost:            problem.Trading.Cost(w),
		Diagnostics: RequestDiagnostics{
			Status:         sol.Status,
			ObjectiveValue: sol.Objective,
			Solver:         o.solver.Name(),
			Iterations:     sol.Iterations,
		},
	}
	if te := problem.TrackingError; te != nil {
		result.TrackingError = te.Value(w)
	}

	if len(req.FactorBetas) > 0 {
		for k := range req.FactorBetas[0] {
			result.FactorExposures[exposureName(req.Params.FactorNames, "factor", k)] = floats.Dot(column(req.FactorBetas, k), w)
		}
	}
	if len(req.SectorMap) > 0 {
		for j := range req.SectorMap[0] {
			result.SectorExposures[exposureName(req.Params.SectorNames, "sector", j)] = floats.Dot(column(req.SectorMap, j), w)
		}
	}

	if vol := math.Sqrt(math.Max(quadForm(problem.Covariance, w), 0)); vol > 1e-12 {
		result.SharpeEstimate = floats.Dot(req.ExpectedActiveReturn, w) / vol
	}

	o.log.Info().
		Int("assets", len(w)).
		Str("status", string(sol.Status)).
		Float64("turnover", result.Turnover).
		Float64("tracking_error", result.TrackingError).
		Dur("duration", time.Since(start)).
		Msg("Request optimization complete")
	return result, nil
}
