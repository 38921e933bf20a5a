package optimization

import (
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/aristath/factorrisk/internal/metrics"
	testhelpers "github.com/aristath/factorrisk/internal/testing"
)

var threeSymbols = []string{"A", "B", "C"}

func threeAssetConfig() OptimizerConfig {
	cfg := DefaultOptimizerConfig()
	cfg.RiskObjective.RiskAversion = 1
	cfg.TrackingError.Enabled = false
	cfg.WeightConstraints.MaxWeight = 0.7
	return cfg
}

func threeAssetReturns() ExpectedReturns {
	return ExpectedReturns{Symbols: threeSymbols, Values: []float64{0.10, 0.05, 0.02}}
}

func solvers() []Solver {
	return []Solver{NewQPSolver(zerolog.Nop()), NewSequentialSolver(zerolog.Nop())}
}

func weightVector(r Result) []float64 {
	out := make([]float64, len(r.Symbols))
	for i, s := range r.Symbols {
		out[i] = r.Weights[s]
	}
	return out
}

func TestOptimize_EmptyExpectedReturnsFails(t *testing.T) {
	core := NewOptimizerCore(DefaultOptimizerConfig(), zerolog.Nop())

	result := core.Optimize(ExpectedReturns{}, testhelpers.NewMockRiskModel(nil, 0.04), nil, nil, nil)

	assert.Equal(t, OptimizationFailed, result.Status)
	assert.Equal(t, "empty expected returns", result.Message)
	assert.Empty(t, result.Weights)
	assert.Nil(t, result.Diagnostics)
}

func TestOptimize_ThreeAssetLongOnly(t *testing.T) {
	for _, solver := range solvers() {
		t.Run(solver.Name(), func(t *testing.T) {
			core := NewOptimizerCore(threeAssetConfig(), zerolog.Nop(), WithSolver(solver))

			result := core.Optimize(threeAssetReturns(), testhelpers.NewMockRiskModel(threeSymbols, 0.04), nil, nil, nil)
			require.True(t, result.Succeeded(), result.Message)

			w := weightVector(result)
			assert.InDelta(t, 1.0, floats.Sum(w), 1e-6)
			assert.GreaterOrEqual(t, w[0], w[1])
			assert.GreaterOrEqual(t, w[1], w[2])
			for _, v := range w {
				assert.GreaterOrEqual(t, v, -1e-6)
				assert.LessOrEqual(t, v, 0.7+1e-6)
			}
			// upper bound on A binds; C is priced out
			assert.InDelta(t, 0.7, w[0], 1e-4)
			assert.InDelta(t, 0.3, w[1], 1e-4)
			assert.InDelta(t, 0.0, w[2], 1e-4)

			d := result.Diagnostics
			require.NotNil(t, d)
			assert.InDelta(t, 0.085, d.ExpectedReturn, 1e-4)
			assert.InDelta(t, math.Sqrt(0.04*(0.49+0.09)), d.TotalVolatility, 1e-4)
			require.NotNil(t, d.SharpeRatio)
			assert.Nil(t, d.TrackingError)
			assert.InDelta(t, -(0.085 - 0.04*0.58), result.ObjectiveValue, 1e-4, "objective is reported as the minimised quantity")
		})
	}
}

func TestOptimize_TrackingErrorCap(t *testing.T) {
	cfg := threeAssetConfig()
	cfg.TrackingError.Enabled = true
	cfg.TrackingError.TEMax = 0.03
	cfg.WeightConstraints.MaxWeight = 0.6
	benchmark := map[string]float64{"A": 1.0 / 3, "B": 1.0 / 3, "C": 1.0 / 3}
	expected := ExpectedReturns{Symbols: threeSymbols, Values: []float64{0.12, 0.08, 0.05}}

	for _, solver := range solvers() {
		t.Run(solver.Name(), func(t *testing.T) {
			core := NewOptimizerCore(cfg, zerolog.Nop(), WithSolver(solver))

			result := core.Optimize(expected, testhelpers.NewMockRiskModel(threeSymbols, 0.04), nil, benchmark, nil)
			require.True(t, result.Succeeded(), result.Message)

			require.NotNil(t, result.Diagnostics.TrackingError)
			assert.LessOrEqual(t, *result.Diagnostics.TrackingError, 0.03+1e-6)
			assert.InDelta(t, 0.03, *result.Diagnostics.TrackingError, 1e-4, "the cap binds")

			w := weightVector(result)
			assert.InDelta(t, 1.0, floats.Sum(w), 1e-6)
			for _, v := range w {
				assert.LessOrEqual(t, v, 0.6+1e-6)
			}
			assert.Greater(t, w[0], w[1])
			assert.Greater(t, w[1], w[2])
		})
	}
}

func TestOptimize_ConfiguredBenchmarkIsUsedWhenArgumentNil(t *testing.T) {
	cfg := threeAssetConfig()
	cfg.TrackingError.Enabled = true
	cfg.TrackingError.TEMax = 0.03
	cfg.TrackingError.BenchmarkWeights = map[string]float64{"A": 0.5, "B": 0.5}

	core := NewOptimizerCore(cfg, zerolog.Nop())
	result := core.Optimize(threeAssetReturns(), testhelpers.NewMockRiskModel(threeSymbols, 0.04), nil, nil, nil)
	require.True(t, result.Succeeded(), result.Message)

	w := weightVector(result)
	te := math.Sqrt(0.04 * (math.Pow(w[0]-0.5, 2) + math.Pow(w[1]-0.5, 2) + w[2]*w[2]))
	assert.LessOrEqual(t, te, 0.03+1e-6, "missing benchmark symbols count as zero weight")
}

func TestOptimize_FactorBoundRespected(t *testing.T) {
	cfg := threeAssetConfig()
	cfg.FactorConstraints.FactorBounds = map[string]Bound{"R_MKT": {Lower: -0.2, Upper: 0.2}}
	exposures := &ExposureTable{
		Factors:  []string{"R_MKT"},
		Loadings: map[string][]float64{"A": {0.5}, "B": {0.3}, "C": {-0.4}},
	}

	for _, solver := range solvers() {
		t.Run(solver.Name(), func(t *testing.T) {
			core := NewOptimizerCore(cfg, zerolog.Nop(), WithSolver(solver))

			result := core.Optimize(threeAssetReturns(), testhelpers.NewMockRiskModel(threeSymbols, 0.04), exposures, nil, nil)
			require.True(t, result.Succeeded(), result.Message)

			exposure := result.Diagnostics.FactorExposures["R_MKT"]
			assert.LessOrEqual(t, exposure, 0.2+1e-6)
			assert.GreaterOrEqual(t, exposure, -0.2-1e-6)
			assert.InDelta(t, 0.2, exposure, 1e-4, "unconstrained portfolio loads 0.44, so the upper side binds")

			w := weightVector(result)
			assert.InDelta(t, 1.0, floats.Sum(w), 1e-6)
			for _, v := range w {
				assert.GreaterOrEqual(t, v, -1e-6)
				assert.LessOrEqual(t, v, 0.7+1e-6)
			}
		})
	}
}

func TestOptimize_SectorBoundRespected(t *testing.T) {
	cfg := threeAssetConfig()
	cfg.SectorConstraints.Enabled = true
	cfg.SectorConstraints.SectorBounds = map[string]Bound{"TECH": {Lower: 0, Upper: 0.5}}

	core := NewOptimizerCore(cfg, zerolog.Nop())
	result := core.Optimize(
		threeAssetReturns(),
		testhelpers.NewMockRiskModel(threeSymbols, 0.04),
		nil,
		nil,
		map[string]string{"A": "TECH", "B": "TECH", "C": "UTIL"},
	)
	require.True(t, result.Succeeded(), result.Message)

	assert.LessOrEqual(t, result.Weights["A"]+result.Weights["B"], 0.5+1e-6)
	assert.InDelta(t, 0.5, result.Weights["C"], 1e-4)
}

func TestOptimize_InfeasibleFactorBoundFails(t *testing.T) {
	cfg := threeAssetConfig()
	cfg.FactorConstraints.FactorBounds = map[string]Bound{"R_MKT": {Lower: -0.2, Upper: 0.2}}
	exposures := &ExposureTable{
		Factors:  []string{"R_MKT"},
		Loadings: map[string][]float64{"A": {1.0}, "B": {1.1}, "C": {0.9}},
	}
	reg := metrics.NewRegistry()
	core := NewOptimizerCore(cfg, zerolog.Nop(), WithMetrics(reg))

	result := core.Optimize(threeAssetReturns(), testhelpers.NewMockRiskModel(threeSymbols, 0.04), exposures, nil, nil)

	assert.Equal(t, OptimizationFailed, result.Status)
	assert.Contains(t, result.Message, "optimization failed")
	assert.Nil(t, result.Diagnostics)
	assert.Equal(t, 1, testutil.CollectAndCount(reg.OptimizeDuration))
}

func TestOptimize_MismatchedModelUsesDiagonalFallback(t *testing.T) {
	core := NewOptimizerCore(threeAssetConfig(), zerolog.Nop())

	cov := core.alignCovariance(threeSymbols, testhelpers.NewMockRiskModel([]string{"A", "B"}, 0.04))
	for i := 0; i < 3; i++ {
		assert.Equal(t, 1e-4, cov.At(i, i))
	}

	cov = core.alignCovariance(threeSymbols, testhelpers.NewMockRiskModel(nil, 0.04))
	assert.Equal(t, 1e-4, cov.At(1, 1))

	model := testhelpers.NewMockRiskModel([]string{"C", "X", "A"}, 0.04)
	model.Cov.SetSym(0, 2, 0.01)
	cov = core.alignCovariance(threeSymbols, model)
	assert.Equal(t, 0.04, cov.At(0, 0))
	assert.Equal(t, 0.01, cov.At(0, 2), "entries are reordered to the requested symbols")
	assert.Equal(t, 1e-4, cov.At(1, 1), "symbols unknown to the model get the fallback variance")
	assert.Equal(t, 0.0, cov.At(0, 1))
}

func TestOptimize_LeverageAppliedWhenShortsAllowed(t *testing.T) {
	cfg := threeAssetConfig()
	cfg.WeightConstraints.LongOnly = false
	cfg.WeightConstraints.MinWeight = -0.5
	cfg.WeightConstraints.MaxWeight = 1
	cfg.WeightConstraints.LeverageLimit = 1.2

	core := NewOptimizerCore(cfg, zerolog.Nop())
	result := core.Optimize(threeAssetReturns(), testhelpers.NewMockRiskModel(threeSymbols, 0.04), nil, nil, nil)
	require.True(t, result.Succeeded(), result.Message)

	gross := 0.0
	for _, v := range result.Weights {
		gross += math.Abs(v)
	}
	assert.LessOrEqual(t, gross, 1.2+1e-5)
	assert.Less(t, result.Weights["C"], 0.0, "shorting the weakest asset pays with a 1.2 gross cap")

	seq := NewOptimizerCore(cfg, zerolog.Nop(), WithSolver(NewSequentialSolver(zerolog.Nop())))
	failed := seq.Optimize(threeAssetReturns(), testhelpers.NewMockRiskModel(threeSymbols, 0.04), nil, nil, nil)
	assert.Equal(t, OptimizationFailed, failed.Status)
	assert.Contains(t, failed.Message, string(StatusUnsupported))
}

func TestSolvers_AgreeOnSharedProblems(t *testing.T) {
	base := func() *Problem {
		return &Problem{
			ExpectedReturns: []float64{0.10, 0.07, 0.05, 0.02},
			Covariance:      testCovariance(),
			RiskAversion:    2,
			Lower:           []float64{0, 0, 0, 0},
			Upper:           []float64{0.5, 0.5, 0.5, 0.5},
			Budget:          Band{Lower: 1, Upper: 1},
		}
	}
	withFactor := base()
	withFactor.Constraints = []LinearConstraint{
		NewLinearConstraint(KindFactor, "R_MKT", AtMost, []float64{1.2, 0.9, 0.4, 0.1}, 0.7),
		NewLinearConstraint(KindFactor, "R_MKT", AtLeast, []float64{1.2, 0.9, 0.4, 0.1}, 0.3),
	}
	withTE := base()
	withTE.TrackingError = &TrackingErrorLimit{
		Benchmark: []float64{0.25, 0.25, 0.25, 0.25},
		Matrix:    testCovariance(),
		Max:       0.02,
	}

	for name, p := range map[string]*Problem{"base": base(), "factor": withFactor, "tracking_error": withTE} {
		t.Run(name, func(t *testing.T) {
			qp, err := NewQPSolver(zerolog.Nop()).Solve(p)
			require.NoError(t, err)
			seq, err := NewSequentialSolver(zerolog.Nop()).Solve(p)
			require.NoError(t, err)

			assert.True(t, qp.Status.Solved())
			assert.Equal(t, StatusOptimal, seq.Status)
			for i := range qp.Weights {
				assert.InDelta(t, qp.Weights[i], seq.Weights[i], 1e-3, "weight %d", i)
			}
			assert.NoError(t, p.Verify(qp.Weights, 1e-6))
			assert.NoError(t, p.Verify(seq.Weights, 1e-6))
		})
	}
}
