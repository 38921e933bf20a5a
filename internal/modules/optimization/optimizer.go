package optimization

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/factorrisk/internal/metrics"
)

// Result statuses.
const (
	OptimizationSuccess = "success"
	OptimizationFailed  = "failed"
)

// fallbackVariance is the diagonal used when the risk model cannot supply a covariance entry.
const fallbackVariance = 1e-4

// ExpectedReturns is a forecast vector; Values[i] belongs to Symbols[i].
type ExpectedReturns struct {
	Symbols []string  `json:"symbols"`
	Values  []float64 `json:"values"`
}

// Diagnostics summarises an optimized portfolio.
type Diagnostics struct {
	TotalVolatility float64            `json:"total_volatility"`
	ExpectedReturn  float64            `json:"expected_return"`
	SharpeRatio     *float64           `json:"sharpe_ratio,omitempty"`
	TrackingError   *float64           `json:"tracking_error,omitempty"`
	MaxPosition     float64            `json:"max_position"`
	MinPosition     float64            `json:"min_position"`
	FactorExposures map[string]float64 `json:"factor_exposures,omitempty"`
	Solver          string             `json:"solver"`
	SolverStatus    SolveStatus        `json:"solver_status"`
	Iterations      int                `json:"iterations"`
}

// Result is the outcome of OptimizerCore.Optimize. Status is "success" or "failed"; a failed
// result carries the solver's last iterate when one exists.
type Result struct {
	Symbols        []string           `json:"symbols"`
	Weights        map[string]float64 `json:"weights"`
	Status         string             `json:"status"`
	Message        string             `json:"message"`
	ObjectiveValue float64            `json:"objective_value"`
	Diagnostics    *Diagnostics       `json:"diagnostics,omitempty"`
}

// Succeeded reports whether the result carries usable weights.
func (r Result) Succeeded() bool {
	return r.Status == OptimizationSuccess
}

// CoreOption configures an OptimizerCore.
type CoreOption func(*OptimizerCore)

// WithSolver replaces the default QPSolver.
func WithSolver(s Solver) CoreOption {
	return func(o *OptimizerCore) { o.solver = s }
}

// WithMetrics records optimize durations and solver iterations.
func WithMetrics(reg *metrics.Registry) CoreOption {
	return func(o *OptimizerCore) { o.metrics = reg }
}

// OptimizerCore maximises μᵀw − λwᵀΣw under the constraints of an OptimizerConfig.
type OptimizerCore struct {
	cfg     OptimizerConfig
	builder *ConstraintBuilder
	solver  Solver
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewOptimizerCore creates an optimizer. The default solver is QPSolver.
func NewOptimizerCore(cfg OptimizerConfig, log zerolog.Logger, opts ...CoreOption) *OptimizerCore {
	o := &OptimizerCore{
		cfg:     cfg,
		builder: NewConstraintBuilder(cfg, log),
		log:     log.With().Str("component", "optimizer_core").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.solver == nil {
		o.solver = NewQPSolver(log)
	}
	return o
}

// Config returns the optimizer's configuration.
func (o *OptimizerCore) Config() OptimizerConfig {
	return o.cfg
}

// Optimize runs one optimization. exposures, benchmark and sectorMap may be nil. When benchmark
// is nil the configured benchmark weights are used for the tracking-error cap.
func (o *OptimizerCore) Optimize(
	expected ExpectedReturns,
	model RiskModel,
	exposures *ExposureTable,
	benchmark map[string]float64,
	sectorMap map[string]string,
) Result {
	symbols := expected.Symbols
	n := len(symbols)
	if n == 0 {
		return Result{Weights: map[string]float64{}, Status: OptimizationFailed, Message: "empty expected returns"}
	}
	if len(expected.Values) != n {
		return Result{
			Symbols: symbols,
			Weights: map[string]float64{},
			Status:  OptimizationFailed,
			Message: fmt.Sprintf("expected returns have %d symbols and %d values", n, len(expected.Values)),
		}
	}

	start := time.Now()
	cov := o.alignCovariance(symbols, model)

	bounds := o.builder.WeightBounds(symbols)
	problem := &Problem{
		ExpectedReturns: append([]float64(nil), expected.Values...),
		Covariance:      cov,
		RiskAversion:    o.cfg.RiskObjective.RiskAversion,
		Lower:           make([]float64, n),
		Upper:           make([]float64, n),
		Budget:          Band{Lower: 1, Upper: 1},
	}
	for i, b := range bounds {
		problem.Lower[i], problem.Upper[i] = b.Lower, b.Upper
	}

	wc := o.cfg.WeightConstraints
	if !wc.LongOnly && wc.LeverageLimit >= 1 {
		// with Σw = 1, long ≤ (L+1)/2 and short ≤ (L-1)/2 is gross ≤ L
		problem.Leverage = &LeverageLimit{Long: (wc.LeverageLimit + 1) / 2, Short: (wc.LeverageLimit - 1) / 2}
	}

	bench := o.benchmark(benchmark)
	var benchVec []float64
	if bench != nil {
		benchVec = alignWeights(bench, symbols)
	}
	if o.cfg.TrackingError.Enabled && benchVec != nil {
		problem.TrackingError = &TrackingErrorLimit{
			Benchmark: benchVec,
			Matrix:    cov,
			Max:       o.cfg.TrackingError.TEMax,
		}
	}

	var factorBounds map[string]Bound
	if !exposures.Empty() {
		factorBounds = o.builder.FactorBounds(exposures)
	}
	sectors := o.builder.SectorConstraints(symbols, sectorMap)
	problem.Constraints = o.builder.LinearConstraints(symbols, exposures, factorBounds, sectors)

	sol, err := o.solver.Solve(problem)
	if err != nil {
		return o.failed(symbols, err, start)
	}
	o.metrics.ObserveOptimize(o.solver.Name(), string(sol.Status), time.Since(start), sol.Iterations)

	weights := make(map[string]float64, n)
	for i, s := range symbols {
		weights[s] = sol.Weights[i]
	}

	diag := o.diagnostics(sol, problem, symbols, benchVec, exposures)
	o.log.Info().
		Int("assets", n).
		Str("solver", o.solver.Name()).
		Str("solver_status", string(sol.Status)).
		Int("iterations", sol.Iterations).
		Float64("expected_return", diag.ExpectedReturn).
		Float64("volatility", diag.TotalVolatility).
		Msg("Optimization successful")

	return Result{
		Symbols:        symbols,
		Weights:        weights,
		Status:         OptimizationSuccess,
		Message:        "optimization successful",
		ObjectiveValue: -sol.Objective,
		Diagnostics:    diag,
	}
}

func (o *OptimizerCore) failed(symbols []string, err error, start time.Time) Result {
	status := string(StatusFailed)
	weights := map[string]float64{}

	var solverErr *SolverError
	if errors.As(err, &solverErr) {
		status = string(solverErr.Status)
		if len(solverErr.Iterate) == len(symbols) && allFinite(solverErr.Iterate) {
			for i, s := range symbols {
				weights[s] = solverErr.Iterate[i]
			}
		}
	}
	o.metrics.ObserveOptimize(o.solver.Name(), status, time.Since(start), 0)
	o.log.Warn().Err(err).Str("solver", o.solver.Name()).Msg("Optimization failed")

	return Result{
		Symbols: symbols,
		Weights: weights,
		Status:  OptimizationFailed,
		Message: fmt.Sprintf("optimization failed: %v", err),
	}
}

func (o *OptimizerCore) benchmark(explicit map[string]float64) map[string]float64 {
	if explicit != nil {
		return explicit
	}
	if len(o.cfg.TrackingError.BenchmarkWeights) > 0 {
		return o.cfg.TrackingError.BenchmarkWeights
	}
	return nil
}

// alignCovariance reorders the model's Σ to symbols. A model whose universe is empty or of a
// different size yields a small diagonal; symbols the model does not know get the same diagonal.
func (o *OptimizerCore) alignCovariance(symbols []string, model RiskModel) *mat.SymDense {
	n := len(symbols)
	cov := mat.NewSymDense(n, nil)
	fallback := func() *mat.SymDense {
		for i := 0; i < n; i++ {
			cov.SetSym(i, i, fallbackVariance)
		}
		return cov
	}

	if model == nil {
		return fallback()
	}
	modelSymbols := model.Symbols()
	if len(modelSymbols) == 0 || len(modelSymbols) != n {
		o.log.Warn().
			Int("model_symbols", len(modelSymbols)).
			Int("symbols", n).
			Msg("Risk model universe does not match, using diagonal covariance")
		return fallback()
	}

	source := model.CovarianceMatrix()
	index := make(map[string]int, len(modelSymbols))
	for i, s := range modelSymbols {
		index[s] = i
	}
	for i, si := range symbols {
		a, okA := index[si]
		for j := i; j < n; j++ {
			b, okB := index[symbols[j]]
			switch {
			case okA && okB:
				cov.SetSym(i, j, source.At(a, b))
			case i == j:
				cov.SetSym(i, j, fallbackVariance)
			}
		}
	}
	return cov
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func alignWeights(weights map[string]float64, symbols []string) []float64 {
	out := make([]float64, len(symbols))
	for i, s := range symbols {
		out[i] = weights[s]
	}
	return out
}

func (o *OptimizerCore) diagnostics(
	sol *Solution,
	p *Problem,
	symbols []string,
	benchmark []float64,
	exposures *ExposureTable,
) *Diagnostics {
	w := sol.Weights
	vol := math.Sqrt(math.Max(quadForm(p.Covariance, w), 0))
	ret := floats.Dot(p.ExpectedReturns, w)

	d := &Diagnostics{
		TotalVolatility: vol,
		ExpectedReturn:  ret,
		MaxPosition:     math.Inf(-1),
		MinPosition:     math.Inf(1),
		Solver:          o.solver.Name(),
		SolverStatus:    sol.Status,
		Iterations:      sol.Iterations,
	}
	if vol > 1e-10 {
		sharpe := ret / vol
		d.SharpeRatio = &sharpe
	}
	if benchmark != nil {
		te := math.Sqrt(math.Max(quadForm(p.Covariance, floats.SubTo(make([]float64, len(w)), w, benchmark)), 0))
		d.TrackingError = &te
	}
	for _, v := range w {
		d.MaxPosition = math.Max(d.MaxPosition, v)
		d.MinPosition = math.Min(d.MinPosition, v)
	}
	if exposures != nil && len(exposures.Factors) > 0 {
		d.FactorExposures = make(map[string]float64, len(exposures.Factors))
		for _, f := range exposures.Factors {
			d.FactorExposures[f] = floats.Dot(exposures.Column(f, symbols), w)
		}
	}
	return d
}
