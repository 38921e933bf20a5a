// Package riskmodel estimates factor-structured covariance matrices (Σ = B F Bᵀ + D)
// from return panels and factor exposures.
package riskmodel

import (
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
)

// FactorExposure is the loading of one symbol on each risk factor at one date.
type FactorExposure struct {
	Symbol string             `json:"symbol" msgpack:"symbol"`
	Date   time.Time          `json:"date" msgpack:"date"`
	Values map[string]float64 `json:"values" msgpack:"values"`
}

// Vector returns the loadings ordered by factors; missing factors load zero.
func (e FactorExposure) Vector(factors []string) []float64 {
	v := make([]float64, len(factors))
	for i, f := range factors {
		v[i] = e.Values[f]
	}
	return v
}

// ReturnObservation is one realized (daily) return.
type ReturnObservation struct {
	Date   time.Time `json:"date"`
	Symbol string    `json:"symbol"`
	Return float64   `json:"return"`
}

// FactorReturnSeries is a T×K table of factor returns, one row per date.
type FactorReturnSeries struct {
	Factors []string    `json:"factors" msgpack:"factors"`
	Dates   []time.Time `json:"dates" msgpack:"dates"`
	Values  [][]float64 `json:"values" msgpack:"values"`
}

// Len returns the number of dates in the series.
func (s *FactorReturnSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Dates)
}

// reorder returns a copy whose columns follow factors. Factors absent from the series are zero.
func (s *FactorReturnSeries) reorder(factors []string) (*FactorReturnSeries, error) {
	if len(s.Values) != len(s.Dates) {
		return nil, fmt.Errorf("factor return series has %d rows for %d dates", len(s.Values), len(s.Dates))
	}
	col := make(map[string]int, len(s.Factors))
	for i, f := range s.Factors {
		col[f] = i
	}
	out := &FactorReturnSeries{
		Factors: append([]string(nil), factors...),
		Dates:   append([]time.Time(nil), s.Dates...),
		Values:  make([][]float64, len(s.Values)),
	}
	for t, row := range s.Values {
		if len(row) != len(s.Factors) {
			return nil, fmt.Errorf("factor return row %d has %d values, expected %d", t, len(row), len(s.Factors))
		}
		r := make([]float64, len(factors))
		for k, f := range factors {
			if j, ok := col[f]; ok {
				r[k] = row[j]
			}
		}
		out.Values[t] = r
	}
	return out, nil
}

// ReturnPanel is a dense dates × symbols return matrix.
type ReturnPanel struct {
	Dates   []time.Time
	Symbols []string
	Returns *mat.Dense // T×N, nil when empty
}

// NewReturnPanel pivots long-format observations into a panel.
// Symbols are sorted; only dates on which every symbol has a return are kept.
func NewReturnPanel(observations []ReturnObservation) ReturnPanel {
	if len(observations) == 0 {
		return ReturnPanel{}
	}

	byDate := make(map[time.Time]map[string]float64)
	symbolSet := make(map[string]struct{})
	for _, o := range observations {
		d := o.Date.UTC()
		if byDate[d] == nil {
			byDate[d] = make(map[string]float64)
		}
		byDate[d][o.Symbol] = o.Return
		symbolSet[o.Symbol] = struct{}{}
	}

	symbols := make([]string, 0, len(symbolSet))
	for s := range symbolSet {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	dates := make([]time.Time, 0, len(byDate))
	for d, row := range byDate {
		if len(row) == len(symbols) {
			dates = append(dates, d)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	panel := ReturnPanel{Dates: dates, Symbols: symbols}
	if len(dates) == 0 {
		return panel
	}
	panel.Returns = mat.NewDense(len(dates), len(symbols), nil)
	for t, d := range dates {
		for i, s := range symbols {
			panel.Returns.Set(t, i, byDate[d][s])
		}
	}
	return panel
}

// Empty reports whether the panel has no usable rows.
func (p ReturnPanel) Empty() bool {
	return p.Returns == nil || len(p.Dates) == 0 || len(p.Symbols) == 0
}

// FallbackReason explains why a fit degraded to the default model.
type FallbackReason string

const (
	ReasonNone                      FallbackReason = ""
	ReasonEmptyInput                FallbackReason = "empty_input"
	ReasonInsufficientObservations  FallbackReason = "insufficient_observations"
	ReasonInsufficientFactorReturns FallbackReason = "insufficient_factor_returns"
	ReasonNumericalFailure          FallbackReason = "numerical_failure"
)

// FitDiagnostics makes degradation paths observable to callers and tests.
type FitDiagnostics struct {
	RunID        string         `json:"run_id" msgpack:"run_id"`
	Model        string         `json:"model" msgpack:"model"`
	FallbackUsed bool           `json:"fallback_used" msgpack:"fallback_used"`
	Reason       FallbackReason `json:"reason,omitempty" msgpack:"reason"`
	Message      string         `json:"message,omitempty" msgpack:"message"`

	Observations int `json:"observations" msgpack:"observations"`
	FactorDates  int `json:"factor_dates" msgpack:"factor_dates"`
	SkippedDates int `json:"skipped_dates" msgpack:"skipped_dates"`
	Symbols      int `json:"symbols" msgpack:"symbols"`
	FactorCount  int `json:"factor_count" msgpack:"factor_count"`

	ZeroBetaSymbols     []string `json:"zero_beta_symbols,omitempty" msgpack:"zero_beta_symbols"`
	ExposureBetaSymbols []string `json:"exposure_beta_symbols,omitempty" msgpack:"exposure_beta_symbols"`
	DefaultSpecificRisk []string `json:"default_specific_risk,omitempty" msgpack:"default_specific_risk"`

	ShrinkageIntensity float64       `json:"shrinkage_intensity,omitempty" msgpack:"shrinkage_intensity"`
	Duration           time.Duration `json:"duration_ns" msgpack:"duration_ns"`
}

// RiskDecomposition splits a single exposure's variance into factor and specific parts.
type RiskDecomposition struct {
	TotalVariance       float64            `json:"total_variance"`
	FactorVariance      float64            `json:"factor_variance"`
	SpecificVariance    float64            `json:"specific_variance"`
	FactorContributions map[string]float64 `json:"factor_contributions"`
}

// PortfolioRisk is the factor/specific split of a portfolio's variance.
type PortfolioRisk struct {
	TotalVariance      float64 `json:"total_variance"`
	FactorVariance     float64 `json:"factor_variance"`
	SpecificVariance   float64 `json:"specific_variance"`
	TotalVolatility    float64 `json:"total_volatility"`
	FactorVolatility   float64 `json:"factor_volatility"`
	SpecificVolatility float64 `json:"specific_volatility"`
}
