package rebalancing

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/aristath/factorrisk/internal/metrics"
	"github.com/aristath/factorrisk/internal/modules/optimization"
	"github.com/aristath/factorrisk/internal/modules/riskmodel"
	testhelpers "github.com/aristath/factorrisk/internal/testing"
)

var twoFactors = []string{riskmodel.FactorMarket, riskmodel.FactorSize}

func window(id string, symbols, dates int, seed int64) Window {
	fx := testhelpers.NewPanelFixture(testhelpers.PanelOptions{Symbols: symbols, Dates: dates, Factors: twoFactors, Seed: seed})
	values := make([]float64, len(fx.Symbols))
	for i := range values {
		values[i] = 0.02 + 0.01*float64(i%4)
	}
	return Window{
		ID:              id,
		Exposures:       fx.Exposures,
		Returns:         fx.Returns,
		FactorReturns:   fx.FactorReturns,
		ExpectedReturns: optimization.ExpectedReturns{Symbols: fx.Symbols, Values: values},
	}
}

func optimizerConfig(maxWeight float64) optimization.OptimizerConfig {
	cfg := optimization.DefaultOptimizerConfig()
	cfg.TrackingError.Enabled = false
	cfg.WeightConstraints.MaxWeight = maxWeight
	return cfg
}

func weightSum(weights map[string]float64) float64 {
	values := make([]float64, 0, len(weights))
	for _, w := range weights {
		values = append(values, w)
	}
	return floats.Sum(values)
}

func TestNewRunner_RejectsInvalidSettings(t *testing.T) {
	_, err := NewRunner([]string{"R_UNKNOWN"}, riskmodel.DefaultDefaults(), optimizerConfig(0.5), zerolog.Nop())
	assert.Error(t, err)

	cfg := optimizerConfig(0.5)
	cfg.WeightConstraints.MinWeight = 0.6
	_, err = NewRunner(twoFactors, riskmodel.DefaultDefaults(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestRunner_ResultsFollowWindowOrder(t *testing.T) {
	reg := metrics.NewRegistry()
	runner, err := NewRunner(twoFactors, riskmodel.DefaultDefaults(), optimizerConfig(0.5), zerolog.Nop(),
		WithWorkers(3), WithMetrics(reg))
	require.NoError(t, err)

	windows := make([]Window, 5)
	for i := range windows {
		windows[i] = window(fmt.Sprintf("w%d", i), 10, 300, int64(i+1))
	}

	results, err := runner.Run(context.Background(), windows)
	require.NoError(t, err)
	require.Len(t, results, len(windows))

	for i, res := range results {
		assert.Equal(t, windows[i].ID, res.ID)
		assert.False(t, res.Degraded, "window %s: %s", res.ID, res.Optimization.Message)
		assert.Equal(t, OutcomeOptimized, res.Outcome)
		assert.Equal(t, riskmodel.ModelKindFactor, res.Fit.Model)
		assert.InDelta(t, 1.0, weightSum(res.Weights), 1e-6)
		for sym, w := range res.Weights {
			assert.LessOrEqual(t, w, 0.5+1e-6, sym)
			assert.GreaterOrEqual(t, w, -1e-6, sym)
		}
	}
	assert.Equal(t, 5.0, testutil.ToFloat64(reg.BatchWindows.WithLabelValues(OutcomeOptimized)))
	assert.Equal(t, 5, testutil.CollectAndCount(reg.OptimizeDuration))
}

func TestRunner_DegradesToEqualWeights(t *testing.T) {
	reg := metrics.NewRegistry()
	// three assets capped at 20% cannot hold a fully invested portfolio
	runner, err := NewRunner(twoFactors, riskmodel.DefaultDefaults(), optimizerConfig(0.2), zerolog.Nop(), WithMetrics(reg))
	require.NoError(t, err)

	results, err := runner.Run(context.Background(), []Window{window("short", 3, 40, 7)})
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.True(t, res.Degraded)
	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.Equal(t, optimization.OptimizationFailed, res.Optimization.Status)
	assert.True(t, res.Fit.FallbackUsed, "40 dates are below the minimum observation count")
	for _, w := range res.Weights {
		assert.InDelta(t, 1.0/3, w, 1e-12)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.BatchWindows.WithLabelValues(OutcomeDegraded)))
}

func TestRunner_EmptyWindowFailsTheBatch(t *testing.T) {
	reg := metrics.NewRegistry()
	runner, err := NewRunner(twoFactors, riskmodel.DefaultDefaults(), optimizerConfig(0.5), zerolog.Nop(),
		WithWorkers(1), WithMetrics(reg))
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), []Window{{ID: "empty"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyWindow)
	assert.Contains(t, err.Error(), "empty")
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.BatchWindows.WithLabelValues(OutcomeError)))
}

func TestRunner_CancelledContext(t *testing.T) {
	runner, err := NewRunner(twoFactors, riskmodel.DefaultDefaults(), optimizerConfig(0.5), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = runner.Run(ctx, []Window{window("w0", 5, 40, 1)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEqualWeights(t *testing.T) {
	assert.Empty(t, EqualWeights(nil))
	assert.Equal(t, map[string]float64{"A": 0.5, "B": 0.5}, EqualWeights([]string{"A", "B"}))
}
