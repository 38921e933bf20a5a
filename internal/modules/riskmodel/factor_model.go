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

// Model kinds reported in diagnostics and snapshots.
const (
	ModelKindFactor      = "factor"
	ModelKindStatistical = "statistical"
)

// fallbackError carries the reason a fit degraded to the default model.
type fallbackError struct {
	reason FallbackReason
	msg    string
}

func (e *fallbackError) Error() string { return string(e.reason) + ": " + e.msg }

func fallback(reason FallbackReason, format string, args ...interface{}) error {
	return &fallbackError{reason: reason, msg: fmt.Sprintf(format, args...)}
}

// factorState is one fitted generation of the model. It is never mutated after publication.
type factorState struct {
	symbols       []string
	betas         *mat.Dense // N×K, nil for the default model
	factorCov     *mat.SymDense
	specificVar   []float64
	specificVol   map[string]float64
	cov           *mat.SymDense
	factorReturns *FactorReturnSeries
	diagnostics   FitDiagnostics
}

// alignedRow is one (date, symbol) observation with both a return and an exposure.
type alignedRow struct {
	date     time.Time
	symbol   string
	ret      float64
	exposure []float64
}

// FactorModel is the standard multi-factor risk model Σ = B F Bᵀ + D.
type FactorModel struct {
	factors  []string
	defaults Defaults
	log      zerolog.Logger

	mu    sync.RWMutex
	state *factorState
}

// NewFactorModel creates a factor model over the given factors (the standard eight when empty).
func NewFactorModel(factors []string, defaults Defaults, log zerolog.Logger) (*FactorModel, error) {
	if len(factors) == 0 {
		factors = StandardFactorNames()
	}
	if err := ValidateFactorNames(factors); err != nil {
		return nil, err
	}
	if err := defaults.Validate(); err != nil {
		return nil, err
	}

	m := &FactorModel{
		factors:  append([]string(nil), factors...),
		defaults: defaults,
		log:      log.With().Str("component", "factor_risk_model").Logger(),
	}
	diag := FitDiagnostics{Model: ModelKindFactor, FactorCount: len(factors)}
	m.state = m.defaultState(nil, diag)
	return m, nil
}

// Fit estimates B, F, D and Σ from exposures and realized returns. factorReturns is optional;
// when nil, factor returns are estimated by per-date cross-sectional regression.
//
// Fit never fails: on empty input, too few observations or numerical trouble it installs
// the default diagonal model and reports why in the returned diagnostics.
func (m *FactorModel) Fit(exposures []FactorExposure, returns []ReturnObservation, factorReturns *FactorReturnSeries) FitDiagnostics {
	start := time.Now()
	diag := FitDiagnostics{
		RunID:       uuid.NewString(),
		Model:       ModelKindFactor,
		FactorCount: len(m.factors),
	}

	state, err := m.estimate(exposures, returns, factorReturns, &diag)
	if err != nil {
		var fb *fallbackError
		if errors.As(err, &fb) {
			diag.Reason = fb.reason
		} else {
			diag.Reason = ReasonNumericalFailure
		}
		diag.FallbackUsed = true
		diag.Message = err.Error()
		state = m.defaultState(returns, diag)

		m.log.Warn().
			Str("run_id", diag.RunID).
			Str("reason", string(diag.Reason)).
			Str("detail", diag.Message).
			Int("observations", diag.Observations).
			Msg("Risk model fit degraded to default model")
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
			Int("factor_dates", diag.FactorDates).
			Int("skipped_dates", diag.SkippedDates).
			Dur("duration", state.diagnostics.Duration).
			Msg("Risk model fitted")
	}

	return state.diagnostics
}

func (m *FactorModel) estimate(
	exposures []FactorExposure,
	returns []ReturnObservation,
	factorReturns *FactorReturnSeries,
	diag *FitDiagnostics,
) (state *factorState, err error) {
	// gonum reports dimension problems by panicking; a fit must degrade instead.
	defer func() {
		if r := recover(); r != nil {
			state = nil
			err = fallback(ReasonNumericalFailure, "estimation panicked: %v", r)
		}
	}()

	if len(exposures) == 0 || len(returns) == 0 {
		return nil, fallback(ReasonEmptyInput, "no exposures or returns supplied")
	}

	d := m.defaults
	k := len(m.factors)

	aligned := m.align(exposures, returns)
	diag.Observations = len(aligned)
	if len(aligned) < d.MinObservations {
		return nil, fallback(ReasonInsufficientObservations, "%d aligned observations < %d required", len(aligned), d.MinObservations)
	}

	var series *FactorReturnSeries
	if factorReturns != nil {
		series, err = factorReturns.reorder(m.factors)
		if err != nil {
			return nil, fallback(ReasonInsufficientFactorReturns, "%v", err)
		}
	} else {
		series = m.crossSectionalFactorReturns(aligned, diag)
	}
	if series.Len() == 0 || series.Len() < d.MinObservations {
		return nil, fallback(ReasonInsufficientFactorReturns, "%d factor return dates < %d required", series.Len(), d.MinObservations)
	}
	diag.FactorDates = series.Len()

	// Winsorize each factor column and the pooled stock returns
	for j := 0; j < k; j++ {
		col := make([]float64, series.Len())
		for t := range series.Values {
			col[t] = series.Values[t][j]
		}
		winsorize(col, d.WinsorLower, d.WinsorUpper)
		for t := range series.Values {
			series.Values[t][j] = col[t]
		}
	}
	pooled := make([]float64, len(aligned))
	for i, row := range aligned {
		pooled[i] = row.ret
	}
	winsorize(pooled, d.WinsorLower, d.WinsorUpper)
	for i := range aligned {
		aligned[i].ret = pooled[i]
	}

	factorCov, err := ewmaCovariance(series.Values, k, d.FactorCovLambda, d.FactorCovSeed, d.PeriodsPerYear)
	if err != nil {
		return nil, err
	}

	symbols, betas, residuals := m.estimateBetas(aligned, series, diag)
	specificVar, specificVol := m.estimateSpecificRisk(symbols, residuals, diag)

	cov, err := assembleCovariance(betas, factorCov, specificVar, d.EigenFloor)
	if err != nil {
		return nil, err
	}

	return &factorState{
		symbols:       symbols,
		betas:         betas,
		factorCov:     factorCov,
		specificVar:   specificVar,
		specificVol:   specificVol,
		cov:           cov,
		factorReturns: series,
		diagnostics:   *diag,
	}, nil
}

// align joins returns with exposures on (date, symbol); returns without an exposure are dropped.
func (m *FactorModel) align(exposures []FactorExposure, returns []ReturnObservation) []alignedRow {
	type key struct {
		date   time.Time
		symbol string
	}
	index := make(map[key]FactorExposure, len(exposures))
	for _, e := range exposures {
		index[key{e.Date.UTC(), e.Symbol}] = e
	}

	aligned := make([]alignedRow, 0, len(returns))
	for _, r := range returns {
		e, ok := index[key{r.Date.UTC(), r.Symbol}]
		if !ok {
			continue
		}
		aligned = append(aligned, alignedRow{
			date:     r.Date.UTC(),
			symbol:   r.Symbol,
			ret:      r.Return,
			exposure: e.Vector(m.factors),
		})
	}
	return aligned
}

// crossSectionalFactorReturns solves return = exposure · f per date by least squares.
// Dates with fewer than K names or an ill-conditioned design are skipped.
func (m *FactorModel) crossSectionalFactorReturns(aligned []alignedRow, diag *FitDiagnostics) *FactorReturnSeries {
	k := len(m.factors)
	byDate := make(map[time.Time][]alignedRow)
	for _, row := range aligned {
		byDate[row.date] = append(byDate[row.date], row)
	}
	dates := make([]time.Time, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	series := &FactorReturnSeries{Factors: append([]string(nil), m.factors...)}
	for _, date := range dates {
		rows := byDate[date]
		if len(rows) < k {
			diag.SkippedDates++
			continue
		}

		x := mat.NewDense(len(rows), k, nil)
		y := mat.NewVecDense(len(rows), nil)
		for i, row := range rows {
			x.SetRow(i, row.exposure)
			y.SetVec(i, row.ret)
		}

		var xtx mat.Dense
		xtx.Mul(x.T(), x)
		if conditionNumber(&xtx) > m.defaults.ConditionThreshold {
			diag.SkippedDates++
			continue
		}
		var xty, f mat.VecDense
		xty.MulVec(x.T(), y)
		if err := f.SolveVec(&xtx, &xty); err != nil {
			diag.SkippedDates++
			continue
		}

		series.Dates = append(series.Dates, date)
		series.Values = append(series.Values, append([]float64(nil), f.RawVector().Data...))
	}
	return series
}

// estimateBetas runs an EWMA-weighted time-series regression of each symbol's returns on the
// factor returns over the most recent BetaWindow rows.
func (m *FactorModel) estimateBetas(aligned []alignedRow, series *FactorReturnSeries, diag *FitDiagnostics) ([]string, *mat.Dense, map[string][]float64) {
	d := m.defaults
	k := len(m.factors)

	bySymbol := make(map[string][]alignedRow)
	for _, row := range aligned {
		bySymbol[row.symbol] = append(bySymbol[row.symbol], row)
	}
	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	factorRow := make(map[time.Time][]float64, series.Len())
	for t, date := range series.Dates {
		factorRow[date.UTC()] = series.Values[t]
	}

	betas := mat.NewDense(len(symbols), k, nil)
	residuals := make(map[string][]float64, len(symbols))

	for i, symbol := range symbols {
		rows := bySymbol[symbol]
		sort.SliceStable(rows, func(a, b int) bool { return rows[a].date.Before(rows[b].date) })
		if len(rows) > d.BetaWindow {
			rows = rows[len(rows)-d.BetaWindow:]
		}

		if len(rows) < k {
			diag.ZeroBetaSymbols = append(diag.ZeroBetaSymbols, symbol)
			continue
		}

		var usable []alignedRow
		var fRows [][]float64
		for _, row := range rows {
			if f, ok := factorRow[row.date]; ok {
				usable = append(usable, row)
				fRows = append(fRows, f)
			}
		}
		if len(usable) < k {
			betas.SetRow(i, rows[len(rows)-1].exposure)
			diag.ExposureBetaSymbols = append(diag.ExposureBetaSymbols, symbol)
			continue
		}

		beta, resid, ok := m.weightedRegression(usable, fRows)
		if !ok {
			betas.SetRow(i, usable[len(usable)-1].exposure)
			diag.ExposureBetaSymbols = append(diag.ExposureBetaSymbols, symbol)
			continue
		}
		betas.SetRow(i, beta)
		residuals[symbol] = resid
	}

	return symbols, betas, residuals
}

// weightedRegression solves β = (FᵀWF)⁻¹FᵀWR and returns the residuals R − Fβ.
func (m *FactorModel) weightedRegression(rows []alignedRow, fRows [][]float64) ([]float64, []float64, bool) {
	k := len(m.factors)
	t := len(rows)
	w := ewmaWeights(t, m.defaults.BetaHalfLife)

	ftwf := mat.NewDense(k, k, nil)
	ftwr := mat.NewVecDense(k, nil)
	for s := 0; s < t; s++ {
		f := fRows[s]
		for a := 0; a < k; a++ {
			ftwr.SetVec(a, ftwr.AtVec(a)+w[s]*f[a]*rows[s].ret)
			for b := 0; b < k; b++ {
				ftwf.Set(a, b, ftwf.At(a, b)+w[s]*f[a]*f[b])
			}
		}
	}

	if conditionNumber(ftwf) > m.defaults.ConditionThreshold {
		return nil, nil, false
	}
	var beta mat.VecDense
	if err := beta.SolveVec(ftwf, ftwr); err != nil {
		return nil, nil, false
	}

	b := append([]float64(nil), beta.RawVector().Data...)
	resid := make([]float64, t)
	for s := 0; s < t; s++ {
		pred := 0.0
		for a := 0; a < k; a++ {
			pred += fRows[s][a] * b[a]
		}
		resid[s] = rows[s].ret - pred
	}
	return b, resid, true
}

// estimateSpecificRisk runs an EWMA over annualized squared residuals, seeded with the
// annualized population variance of the residuals.
func (m *FactorModel) estimateSpecificRisk(symbols []string, residuals map[string][]float64, diag *FitDiagnostics) ([]float64, map[string]float64) {
	d := m.defaults
	lambda := d.SpecificRiskLambda
	variances := make([]float64, len(symbols))
	vols := make(map[string]float64, len(symbols))

	for i, symbol := range symbols {
		resid := residuals[symbol]
		if len(resid) < d.MinResiduals {
			variances[i] = d.FallbackVariance
			vols[symbol] = math.Sqrt(d.FallbackVariance)
			diag.DefaultSpecificRisk = append(diag.DefaultSpecificRisk, symbol)
			continue
		}

		_, popVar := stat.PopMeanVariance(resid, nil)
		v := popVar * d.PeriodsPerYear
		for _, e := range resid {
			scaled := e * math.Sqrt(d.PeriodsPerYear)
			v = lambda*v + (1-lambda)*scaled*scaled
		}
		v = math.Max(v, d.SpecificVarianceFloor)

		variances[i] = v
		vols[symbol] = math.Sqrt(v)
	}
	return variances, vols
}

// assembleCovariance builds Σ = B F Bᵀ + diag(D) and repairs it to be PSD.
func assembleCovariance(betas *mat.Dense, factorCov *mat.SymDense, specificVar []float64, floor float64) (*mat.SymDense, error) {
	n := len(specificVar)
	if n == 0 {
		return &mat.SymDense{}, nil
	}

	var bf, bfbt mat.Dense
	bf.Mul(betas, factorCov)
	bfbt.Mul(&bf, betas.T())
	for i := 0; i < n; i++ {
		bfbt.Set(i, i, bfbt.At(i, i)+specificVar[i])
	}

	cov, _, err := RepairPSD(symmetrize(&bfbt), floor)
	if err != nil {
		return nil, fmt.Errorf("failed to repair total covariance: %w", err)
	}
	return cov, nil
}

// defaultState is the neutral model: a small diagonal over the symbols seen in returns.
func (m *FactorModel) defaultState(returns []ReturnObservation, diag FitDiagnostics) *factorState {
	seen := make(map[string]struct{})
	var symbols []string
	for _, r := range returns {
		if _, ok := seen[r.Symbol]; !ok {
			seen[r.Symbol] = struct{}{}
			symbols = append(symbols, r.Symbol)
		}
	}
	sort.Strings(symbols)

	v := m.defaults.FallbackVariance
	return &factorState{
		symbols:     symbols,
		factorCov:   scaledIdentity(len(m.factors), v),
		specificVol: map[string]float64{},
		cov:         scaledIdentity(len(symbols), v),
		diagnostics: diag,
	}
}

func (m *FactorModel) current() *factorState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CovarianceMatrix returns a copy of Σ ordered like Symbols().
func (m *FactorModel) CovarianceMatrix() *mat.SymDense {
	s := m.current()
	if s.cov.SymmetricDim() == 0 {
		return &mat.SymDense{}
	}
	return mat.NewSymDense(s.cov.SymmetricDim(), append([]float64(nil), s.cov.RawSymmetric().Data...))
}

// Symbols returns the symbols in row order of B and Σ.
func (m *FactorModel) Symbols() []string {
	return append([]string(nil), m.current().symbols...)
}

// Factors returns the factor names in column order of B.
func (m *FactorModel) Factors() []string {
	return append([]string(nil), m.factors...)
}

// FactorCovariance returns a copy of F.
func (m *FactorModel) FactorCovariance() *mat.SymDense {
	f := m.current().factorCov
	if f.SymmetricDim() == 0 {
		return &mat.SymDense{}
	}
	return mat.NewSymDense(f.SymmetricDim(), append([]float64(nil), f.RawSymmetric().Data...))
}

// Betas returns a copy of B, or nil when the model is not fitted.
func (m *FactorModel) Betas() *mat.Dense {
	b := m.current().betas
	if b == nil {
		return nil
	}
	return mat.DenseCopyOf(b)
}

// SpecificVariances returns the diagonal of D, nil when not fitted.
func (m *FactorModel) SpecificVariances() []float64 {
	return append([]float64(nil), m.current().specificVar...)
}

// SpecificRisk returns the annualized specific volatility of a symbol.
func (m *FactorModel) SpecificRisk(symbol string) float64 {
	if v, ok := m.current().specificVol[symbol]; ok {
		return v
	}
	return math.Sqrt(m.defaults.FallbackVariance)
}

// FactorReturns returns the factor returns used by the last fit, nil for the default model.
func (m *FactorModel) FactorReturns() *FactorReturnSeries {
	return m.current().factorReturns
}

// Diagnostics returns the diagnostics of the last fit.
func (m *FactorModel) Diagnostics() FitDiagnostics {
	return m.current().diagnostics
}

// ExplainRisk decomposes the variance of a single exposure vector.
func (m *FactorModel) ExplainRisk(exposure FactorExposure) RiskDecomposition {
	return explainRisk(m.factors, m.current().factorCov, exposure.Vector(m.factors), m.SpecificRisk(exposure.Symbol))
}

// PortfolioExposure returns wᵀB for the given weights; unknown symbols are ignored.
func (m *FactorModel) PortfolioExposure(weights map[string]float64) []float64 {
	s := m.current()
	return portfolioExposure(weights, s.betas, s.symbols, len(m.factors))
}

// PortfolioRisk splits portfolio variance into βₚᵀFβₚ and Σ w_i²σ_i².
func (m *FactorModel) PortfolioRisk(exposure []float64, weights map[string]float64) PortfolioRisk {
	return portfolioRisk(m.current().factorCov, exposure, weights, m.SpecificRisk)
}

// DecomposeByFactor attributes factor variance to each factor, including cross terms.
func (m *FactorModel) DecomposeByFactor(exposure []float64) map[string]float64 {
	return decomposeByFactor(m.factors, m.current().factorCov, exposure)
}
