// Package rebalancing evaluates independent rebalance windows in parallel.
package rebalancing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/factorrisk/internal/metrics"
	"github.com/aristath/factorrisk/internal/modules/optimization"
	"github.com/aristath/factorrisk/internal/modules/riskmodel"
)

// ErrEmptyWindow is returned for a window without expected returns.
var ErrEmptyWindow = errors.New("rebalance window has no expected returns")

// Window outcomes recorded in metrics and results.
const (
	OutcomeOptimized = "optimized"
	OutcomeDegraded  = "degraded"
	OutcomeError     = "error"
)

// DefaultWorkers is the window concurrency when none is configured.
const DefaultWorkers = 4

// Window is one rebalance date: the fit inputs plus the optimizer inputs.
type Window struct {
	ID              string                        `json:"id"`
	AsOf            time.Time                     `json:"as_of"`
	Exposures       []riskmodel.FactorExposure    `json:"exposures"`
	Returns         []riskmodel.ReturnObservation `json:"returns"`
	FactorReturns   *riskmodel.FactorReturnSeries `json:"factor_returns,omitempty"`
	ExpectedReturns optimization.ExpectedReturns  `json:"expected_returns"`
	Benchmark       map[string]float64            `json:"benchmark_weights,omitempty"`
	SectorMap       map[string]string             `json:"sector_map,omitempty"`
}

// WindowResult is the outcome of one window. When the optimizer fails the weights fall back to
// equal weights and Degraded is set; Optimization still carries the failed result.
type WindowResult struct {
	ID           string                   `json:"id"`
	AsOf         time.Time                `json:"as_of"`
	Weights      map[string]float64       `json:"weights"`
	Degraded     bool                     `json:"degraded"`
	Outcome      string                   `json:"outcome"`
	Fit          riskmodel.FitDiagnostics `json:"fit"`
	Optimization optimization.Result      `json:"optimization"`
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithWorkers caps how many windows run at once. Values below 1 are ignored.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n >= 1 {
			r.workers = n
		}
	}
}

// WithMetrics records window outcomes and optimizer timings.
func WithMetrics(reg *metrics.Registry) RunnerOption {
	return func(r *Runner) { r.metrics = reg }
}

// Runner fits a fresh factor model and optimizer for every window. Windows share no state,
// so they run concurrently.
type Runner struct {
	factors  []string
	defaults riskmodel.Defaults
	cfg      optimization.OptimizerConfig
	workers  int
	metrics  *metrics.Registry
	log      zerolog.Logger
}

// NewRunner validates the model and optimizer settings once so that per-window construction
// cannot fail on them.
func NewRunner(
	factors []string,
	defaults riskmodel.Defaults,
	cfg optimization.OptimizerConfig,
	log zerolog.Logger,
	opts ...RunnerOption,
) (*Runner, error) {
	if _, err := riskmodel.NewFactorModel(factors, defaults, zerolog.Nop()); err != nil {
		return nil, fmt.Errorf("failed to create rebalancing runner: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create rebalancing runner: %w", err)
	}

	r := &Runner{
		factors:  append([]string(nil), factors...),
		defaults: defaults,
		cfg:      cfg,
		workers:  DefaultWorkers,
		log:      log.With().Str("component", "rebalancing_runner").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run evaluates windows and returns their results in input order. The first window error or a
// cancelled ctx stops scheduling further windows and is returned.
func (r *Runner) Run(ctx context.Context, windows []Window) ([]WindowResult, error) {
	start := time.Now()
	results := make([]WindowResult, len(windows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i := range windows {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := r.runWindow(windows[i])
			if err != nil {
				r.metrics.RecordBatchWindow(OutcomeError)
				return fmt.Errorf("failed to run window %s: %w", windows[i].ID, err)
			}
			r.metrics.RecordBatchWindow(res.Outcome)
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	degraded := 0
	for _, res := range results {
		if res.Degraded {
			degraded++
		}
	}
	r.log.Info().
		Int("windows", len(windows)).
		Int("degraded", degraded).
		Dur("duration", time.Since(start)).
		Msg("Rebalance batch complete")
	return results, nil
}

func (r *Runner) runWindow(w Window) (WindowResult, error) {
	if len(w.ExpectedReturns.Symbols) == 0 {
		return WindowResult{}, ErrEmptyWindow
	}
	log := r.log.With().Str("window", w.ID).Logger()

	model, err := riskmodel.NewFactorModel(r.factors, r.defaults, log)
	if err != nil {
		return WindowResult{}, fmt.Errorf("failed to create factor model: %w", err)
	}
	diag := model.Fit(w.Exposures, w.Returns, w.FactorReturns)

	snap := model.Snapshot()
	table := optimization.ExposureTableFromBetas(snap.Universe, snap.Factors, snap.Betas)
	core := optimization.NewOptimizerCore(r.cfg, log, optimization.WithMetrics(r.metrics))
	result := core.Optimize(w.ExpectedReturns, model, table, w.Benchmark, w.SectorMap)

	out := WindowResult{
		ID:           w.ID,
		AsOf:         w.AsOf,
		Fit:          diag,
		Optimization: result,
		Weights:      result.Weights,
		Outcome:      OutcomeOptimized,
	}
	if !result.Succeeded() {
		log.Warn().
			Str("message", result.Message).
			Bool("fit_fallback", diag.FallbackUsed).
			Msg("Optimization failed, using equal weights")
		out.Weights = EqualWeights(w.ExpectedReturns.Symbols)
		out.Degraded = true
		out.Outcome = OutcomeDegraded
	}
	return out, nil
}

// EqualWeights returns 1/n for each symbol.
func EqualWeights(symbols []string) map[string]float64 {
	weights := make(map[string]float64, len(symbols))
	if len(symbols) == 0 {
		return weights
	}
	w := 1 / float64(len(symbols))
	for _, s := range symbols {
		weights[s] = w
	}
	return weights
}
