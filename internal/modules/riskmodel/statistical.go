package riskmodel

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// StatisticalConfig configures the PCA/shrinkage estimator.
type StatisticalConfig struct {
	ShrinkageTarget   string  `json:"shrinkage_target" yaml:"shrinkage_target" validate:"oneof=sample constant_correlation single_factor"`
	MinFactors        int     `json:"min_factors" yaml:"min_factors" validate:"gte=1"`
	MaxFactors        int     `json:"max_factors" yaml:"max_factors" validate:"gtefield=MinFactors"`
	ExplainedVariance float64 `json:"explained_variance" yaml:"explained_variance" validate:"gt=0,lte=1"`
	PeriodsPerYear    float64 `json:"periods_per_year" yaml:"periods_per_year" validate:"gt=0"`
	MinEigenvalue     float64 `json:"min_eigenvalue" yaml:"min_eigenvalue" validate:"gte=0"`
	DefaultVariance   float64 `json:"default_variance" yaml:"default_variance" validate:"gt=0"`
}

// DefaultStatisticalConfig returns the standard PCA settings.
func DefaultStatisticalConfig() StatisticalConfig {
	return StatisticalConfig{
		ShrinkageTarget:   ShrinkageSample,
		MinFactors:        2,
		MaxFactors:        10,
		ExplainedVariance: 0.85,
		PeriodsPerYear:    252,
		MinEigenvalue:     1e-8,
		DefaultVariance:   0.01,
	}
}

// Validate checks the configuration.
func (c StatisticalConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid statistical model config: %w", err)
	}
	return nil
}

type statisticalState struct {
	symbols     []string
	index       map[string]int
	loadings    *mat.Dense // N×k
	factorCov   *mat.SymDense
	specificVar []float64
	cov         *mat.SymDense
	intensity   float64
	diagnostics FitDiagnostics
}

// StatisticalModel extracts latent factors from the return panel by eigen-decomposition.
type StatisticalModel struct {
	cfg StatisticalConfig
	log zerolog.Logger

	mu    sync.RWMutex
	state *statisticalState
}

// NewStatisticalModel creates an unfitted statistical model.
func NewStatisticalModel(cfg StatisticalConfig, log zerolog.Logger) (*StatisticalModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &StatisticalModel{
		cfg: cfg,
		log: log.With().Str("component", "statistical_risk_model").Logger(),
	}
	m.state = m.defaultState(nil, FitDiagnostics{Model: ModelKindStatistical})
	return m, nil
}

// Fit estimates the model from a complete return panel. Like FactorModel.Fit it never fails;
// degenerate input installs the default state.
func (m *StatisticalModel) Fit(panel ReturnPanel) FitDiagnostics {
	start := time.Now()
	diag := FitDiagnostics{RunID: uuid.NewString(), Model: ModelKindStatistical}

	state, err := m.estimate(panel, &diag)
	if err != nil {
		var fb *fallbackError
		if errors.As(err, &fb) {
			diag.Reason = fb.reason
		} else {
			diag.Reason = ReasonNumericalFailure
		}
		diag.FallbackUsed = true
		diag.Message = err.Error()
		state = m.defaultState(panel.Symbols, diag)

		m.log.Warn().
			Str("run_id", diag.RunID).
			Str("reason", string(diag.Reason)).
			Str("detail", diag.Message).
			Msg("Statistical model fit degraded to default model")
	}

	state.diagnostics.Duration = time.Since(start)
	state.diagnostics.Symbols = len(state.symbols)

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()

	if !state.diagnostics.FallbackUsed {
		m.log.Info().
			Str("run_id", diag.RunID).
			Int("symbols", len(state.symbols)).
			Int("factors", diag.FactorCount).
			Float64("shrinkage", state.intensity).
			Msg("Statistical model fitted")
	}
	return state.diagnostics
}

func (m *StatisticalModel) estimate(panel ReturnPanel, diag *FitDiagnostics) (state *statisticalState, err error) {
	defer func() {
		if r := recover(); r != nil {
			state = nil
			err = fallback(ReasonNumericalFailure, "estimation panicked: %v", r)
		}
	}()

	if panel.Empty() {
		return nil, fallback(ReasonEmptyInput, "empty return panel")
	}
	t, n := panel.Returns.Dims()
	diag.Observations = t
	if t < 2 {
		return nil, fallback(ReasonInsufficientObservations, "%d dates, need at least 2", t)
	}

	cfg := m.cfg
	sample := sampleCovariance(panel.Returns, cfg.PeriodsPerYear)

	estimation := sample
	intensity := 0.0
	switch cfg.ShrinkageTarget {
	case ShrinkageConstantCorrelation:
		intensity = shrinkageIntensity(t, n)
		estimation = shrink(sample, constantCorrelationTarget(sample), intensity)
	case ShrinkageSingleFactor:
		intensity = shrinkageIntensity(t, n)
		estimation = shrink(sample, singleFactorTarget(panel.Returns, cfg.PeriodsPerYear), intensity)
	}
	diag.ShrinkageIntensity = intensity

	var eig mat.EigenSym
	if ok := eig.Factorize(estimation, true); !ok {
		return nil, fallback(ReasonNumericalFailure, "eigendecomposition of %dx%d covariance failed", n, n)
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return values[order[a]] > values[order[b]] })

	var positive []float64
	for _, idx := range order {
		if values[idx] > 0 {
			positive = append(positive, values[idx])
		}
	}
	if len(positive) == 0 {
		return nil, fallback(ReasonNumericalFailure, "covariance has no positive eigenvalues")
	}

	k := m.factorCount(positive, n)
	diag.FactorCount = k

	loadings := mat.NewDense(n, k, nil)
	for j := 0; j < k; j++ {
		for i := 0; i < n; i++ {
			loadings.Set(i, j, vectors.At(i, order[j]))
		}
	}

	centred := mat.DenseCopyOf(panel.Returns)
	col := make([]float64, t)
	for i := 0; i < n; i++ {
		mat.Col(col, i, centred)
		mean := stat.Mean(col, nil)
		for s := 0; s < t; s++ {
			centred.Set(s, i, col[s]-mean)
		}
	}

	var factorReturns mat.Dense
	factorReturns.Mul(centred, loadings)
	factorCov := sampleCovariance(&factorReturns, cfg.PeriodsPerYear)

	var fitted, residuals mat.Dense
	fitted.Mul(&factorReturns, loadings.T())
	residuals.Sub(centred, &fitted)

	specific := make([]float64, n)
	for i := 0; i < n; i++ {
		mat.Col(col, i, &residuals)
		_, v := stat.PopMeanVariance(col, nil)
		specific[i] = math.Max(v*cfg.PeriodsPerYear, cfg.MinEigenvalue)
	}

	cov, err := assembleCovariance(loadings, factorCov, specific, cfg.MinEigenvalue)
	if err != nil {
		return nil, err
	}

	return &statisticalState{
		symbols:     append([]string(nil), panel.Symbols...),
		index:       indexOf(panel.Symbols),
		loadings:    loadings,
		factorCov:   factorCov,
		specificVar: specific,
		cov:         cov,
		intensity:   intensity,
		diagnostics: *diag,
	}, nil
}

// factorCount picks the smallest k whose cumulative eigenvalue share reaches ExplainedVariance,
// bounded by the configured range, the positive spectrum and N-1.
func (m *StatisticalModel) factorCount(positive []float64, n int) int {
	total := 0.0
	for _, v := range positive {
		total += v
	}
	k := len(positive)
	cum := 0.0
	for i, v := range positive {
		cum += v
		if cum/total >= m.cfg.ExplainedVariance {
			k = i + 1
			break
		}
	}

	upper := m.cfg.MaxFactors
	if len(positive) < upper {
		upper = len(positive)
	}
	if k > upper {
		k = upper
	}
	if k < m.cfg.MinFactors {
		k = m.cfg.MinFactors
	}
	if n == 1 {
		return 1
	}
	if k > n-1 {
		k = n - 1
	}
	if k < 1 {
		k = 1
	}
	return k
}

func (m *StatisticalModel) defaultState(symbols []string, diag FitDiagnostics) *statisticalState {
	n := len(symbols)
	v := m.cfg.DefaultVariance
	specific := make([]float64, n)
	for i := range specific {
		specific[i] = v
	}
	var loadings *mat.Dense
	if n > 0 {
		loadings = mat.NewDense(n, 1, nil)
	}
	diag.FactorCount = 1
	return &statisticalState{
		symbols:     append([]string(nil), symbols...),
		index:       indexOf(symbols),
		loadings:    loadings,
		factorCov:   scaledIdentity(1, v),
		specificVar: specific,
		cov:         scaledIdentity(n, v),
		diagnostics: diag,
	}
}

func indexOf(symbols []string) map[string]int {
	idx := make(map[string]int, len(symbols))
	for i, s := range symbols {
		idx[s] = i
	}
	return idx
}

func (m *StatisticalModel) current() *statisticalState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CovarianceMatrix returns a copy of Σ ordered like Symbols().
func (m *StatisticalModel) CovarianceMatrix() *mat.SymDense {
	c := m.current().cov
	if c.SymmetricDim() == 0 {
		return &mat.SymDense{}
	}
	return mat.NewSymDense(c.SymmetricDim(), append([]float64(nil), c.RawSymmetric().Data...))
}

// Symbols returns the fitted symbols.
func (m *StatisticalModel) Symbols() []string {
	return append([]string(nil), m.current().symbols...)
}

// CovarianceFor reindexes Σ to symbols. Unknown symbols get DefaultVariance on the diagonal
// and zero covariance with everything else.
func (m *StatisticalModel) CovarianceFor(symbols []string) *mat.SymDense {
	s := m.current()
	if len(symbols) == 0 {
		return &mat.SymDense{}
	}
	out := mat.NewSymDense(len(symbols), nil)
	for a, sa := range symbols {
		ia, okA := s.index[sa]
		for b := a; b < len(symbols); b++ {
			ib, okB := s.index[symbols[b]]
			switch {
			case okA && okB:
				out.SetSym(a, b, s.cov.At(ia, ib))
			case a == b:
				out.SetSym(a, b, m.cfg.DefaultVariance)
			}
		}
	}
	return out
}

// FactorLoadings returns the loadings for symbols; unknown symbols load zero.
func (m *StatisticalModel) FactorLoadings(symbols []string) *mat.Dense {
	s := m.current()
	k := 1
	if s.loadings != nil {
		_, k = s.loadings.Dims()
	}
	if len(symbols) == 0 {
		return nil
	}
	out := mat.NewDense(len(symbols), k, nil)
	for a, sym := range symbols {
		if i, ok := s.index[sym]; ok && s.loadings != nil {
			out.SetRow(a, s.loadings.RawRowView(i))
		}
	}
	return out
}

// FactorCovariance returns a copy of F.
func (m *StatisticalModel) FactorCovariance() *mat.SymDense {
	f := m.current().factorCov
	return mat.NewSymDense(f.SymmetricDim(), append([]float64(nil), f.RawSymmetric().Data...))
}

// SpecificVariances returns the diagonal of S ordered like Symbols().
func (m *StatisticalModel) SpecificVariances() []float64 {
	return append([]float64(nil), m.current().specificVar...)
}

// FactorCount returns the number of retained factors.
func (m *StatisticalModel) FactorCount() int {
	return m.current().factorCov.SymmetricDim()
}

// ShrinkageIntensity returns the blend weight used by the last fit (0 without shrinkage).
func (m *StatisticalModel) ShrinkageIntensity() float64 {
	return m.current().intensity
}

// Diagnostics returns the diagnostics of the last fit.
func (m *StatisticalModel) Diagnostics() FitDiagnostics {
	return m.current().diagnostics
}
