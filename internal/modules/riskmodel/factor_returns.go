package riskmodel

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// SeriesPoint is one dated value of a market series.
type SeriesPoint struct {
	Date  time.Time `json:"date" msgpack:"date"`
	Value float64   `json:"value" msgpack:"value"`
}

// Series is a dated scalar series such as an index or a portfolio return.
type Series []SeriesPoint

// LiquidityObservation is the traded value of the market on one date.
type LiquidityObservation struct {
	Date      time.Time `json:"date" msgpack:"date"`
	Volume    float64   `json:"volume" msgpack:"volume"`
	Price     float64   `json:"price" msgpack:"price"`
	MarketCap float64   `json:"market_cap,omitempty" msgpack:"market_cap"`
}

// FactorReturnInputs is the market data the standard factor returns are built from.
// Long/short factors use two legs; a factor whose inputs are empty is left out.
type FactorReturnInputs struct {
	Market           Series                 `json:"market,omitempty" msgpack:"market"`
	SmallCap         Series                 `json:"small_cap,omitempty" msgpack:"small_cap"`
	LargeCap         Series                 `json:"large_cap,omitempty" msgpack:"large_cap"`
	HighBookToMarket Series                 `json:"high_book_to_market,omitempty" msgpack:"high_book_to_market"`
	LowBookToMarket  Series                 `json:"low_book_to_market,omitempty" msgpack:"low_book_to_market"`
	Winners          Series                 `json:"winners,omitempty" msgpack:"winners"`
	Losers           Series                 `json:"losers,omitempty" msgpack:"losers"`
	Liquidity        []LiquidityObservation `json:"liquidity,omitempty" msgpack:"liquidity"`
	HighVolatility   Series                 `json:"high_volatility,omitempty" msgpack:"high_volatility"`
	LowVolatility    Series                 `json:"low_volatility,omitempty" msgpack:"low_volatility"`
	FXReturns        Series                 `json:"fx_returns,omitempty" msgpack:"fx_returns"`
	RateChanges      Series                 `json:"rate_changes,omitempty" msgpack:"rate_changes"`
	HighFlow         Series                 `json:"high_flow,omitempty" msgpack:"high_flow"`
	LowFlow          Series                 `json:"low_flow,omitempty" msgpack:"low_flow"`
}

// FactorReturnCalculator builds the standard factor return series from market data.
type FactorReturnCalculator struct {
	log zerolog.Logger
}

// NewFactorReturnCalculator creates a calculator.
func NewFactorReturnCalculator(log zerolog.Logger) *FactorReturnCalculator {
	return &FactorReturnCalculator{log: log.With().Str("component", "factor_returns").Logger()}
}

// Market returns the index returns sorted by date, with missing values as zero.
func (c *FactorReturnCalculator) Market(index Series) Series {
	out := make(Series, len(index))
	for i, p := range index {
		out[i] = SeriesPoint{Date: p.Date.UTC(), Value: finiteOrZero(p.Value)}
	}
	sortSeries(out)
	return out
}

// Spread returns long − short on the dates both legs cover.
// Size, value, momentum, volatility and flow are all spreads.
func (c *FactorReturnCalculator) Spread(long, short Series) Series {
	shortByDate := byDate(short)
	out := make(Series, 0, len(long))
	for _, p := range long {
		s, ok := shortByDate[p.Date.UTC()]
		if !ok {
			continue
		}
		out = append(out, SeriesPoint{Date: p.Date.UTC(), Value: finiteOrZero(p.Value) - finiteOrZero(s)})
	}
	sortSeries(out)
	return out
}

// Liquidity returns the z-scored turnover, volume × price / market cap. Without a market cap
// the traded value itself is used.
func (c *FactorReturnCalculator) Liquidity(obs []LiquidityObservation) Series {
	turnover := make(Series, len(obs))
	for i, o := range obs {
		v := o.Volume * o.Price
		if o.MarketCap > 0 {
			v /= o.MarketCap
		}
		turnover[i] = SeriesPoint{Date: o.Date.UTC(), Value: v}
	}
	sortSeries(turnover)
	return Normalize(turnover)
}

// FXRates averages FX returns and interest rate changes on their common dates. With only
// one input that input is returned as is.
func (c *FactorReturnCalculator) FXRates(fx, rates Series) Series {
	switch {
	case len(fx) == 0 && len(rates) == 0:
		return nil
	case len(rates) == 0:
		return c.Market(fx)
	case len(fx) == 0:
		return c.Market(rates)
	}

	ratesByDate := byDate(rates)
	out := make(Series, 0, len(fx))
	for _, p := range fx {
		r, ok := ratesByDate[p.Date.UTC()]
		if !ok {
			continue
		}
		out = append(out, SeriesPoint{Date: p.Date.UTC(), Value: (finiteOrZero(p.Value) + finiteOrZero(r)) / 2})
	}
	sortSeries(out)
	return out
}

// Calculate builds every factor the inputs support, in standard order. Rows cover the union
// of dates; a factor without a value on a date contributes zero. Returns nil when no factor
// has data.
func (c *FactorReturnCalculator) Calculate(in FactorReturnInputs) *FactorReturnSeries {
	columns := []struct {
		factor string
		series Series
	}{
		{FactorMarket, c.Market(in.Market)},
		{FactorSize, c.Spread(in.SmallCap, in.LargeCap)},
		{FactorValue, c.Spread(in.HighBookToMarket, in.LowBookToMarket)},
		{FactorMomentum, c.Spread(in.Winners, in.Losers)},
		{FactorLiquidity, c.Liquidity(in.Liquidity)},
		{FactorVolatility, c.Spread(in.HighVolatility, in.LowVolatility)},
		{FactorFXRates, c.FXRates(in.FXReturns, in.RateChanges)},
		{FactorFlow, c.Spread(in.HighFlow, in.LowFlow)},
	}

	out := &FactorReturnSeries{}
	dateSet := make(map[time.Time]struct{})
	var values []map[time.Time]float64
	for _, col := range columns {
		if len(col.series) == 0 {
			c.log.Debug().Str("factor", col.factor).Msg("No inputs for factor, leaving it out")
			continue
		}
		out.Factors = append(out.Factors, col.factor)
		values = append(values, byDate(col.series))
		for _, p := range col.series {
			dateSet[p.Date] = struct{}{}
		}
	}
	if len(out.Factors) == 0 {
		return nil
	}

	for d := range dateSet {
		out.Dates = append(out.Dates, d)
	}
	sort.Slice(out.Dates, func(i, j int) bool { return out.Dates[i].Before(out.Dates[j]) })

	out.Values = make([][]float64, len(out.Dates))
	for t, d := range out.Dates {
		row := make([]float64, len(out.Factors))
		for k := range out.Factors {
			row[k] = values[k][d]
		}
		out.Values[t] = row
	}

	c.log.Debug().
		Strs("factors", out.Factors).
		Int("dates", len(out.Dates)).
		Msg("Built factor return series")
	return out
}

// Normalize z-scores a series with the sample standard deviation. A constant or single-point
// series normalizes to zeros.
func Normalize(s Series) Series {
	out := make(Series, len(s))
	if len(s) == 0 {
		return out
	}
	x := make([]float64, len(s))
	for i, p := range s {
		x[i] = p.Value
	}
	mean, std := stat.MeanStdDev(x, nil)
	for i, p := range s {
		v := 0.0
		if std > 0 && !math.IsNaN(std) {
			v = finiteOrZero((p.Value - mean) / std)
		}
		out[i] = SeriesPoint{Date: p.Date, Value: v}
	}
	return out
}

// Alpha score columns and the exposure keys they feed.
const (
	alphaBeta = "beta"
	alphaSize = "size"
)

var alphaScoreColumns = map[string]string{
	"flow_score":          "flow",
	"divergence_score":    "divergence",
	"reversion_score":     "reversion",
	"inertia_score":       "inertia",
	"value_quality_score": "value_quality",
}

// AlphaScores is one row of alpha-engine output for a symbol.
type AlphaScores struct {
	Symbol string             `json:"symbol" msgpack:"symbol"`
	Date   time.Time          `json:"date" msgpack:"date"`
	Scores map[string]float64 `json:"scores" msgpack:"scores"`
}

// ExposuresFromAlphaScores turns alpha-engine rows into risk factor exposures. Signals load on
// the risk factor RiskFactorFor maps them to; signals without a risk factor are dropped.
// "beta" loads on the market factor and defaults to 1; "size" loads on the size factor.
func ExposuresFromAlphaScores(rows []AlphaScores) []FactorExposure {
	out := make([]FactorExposure, 0, len(rows))
	for _, row := range rows {
		values := map[string]float64{FactorMarket: 1.0}
		for col, alpha := range alphaScoreColumns {
			v, ok := row.Scores[col]
			if !ok {
				continue
			}
			if factor, ok := RiskFactorFor(alpha); ok {
				values[factor] = v
			}
		}
		if beta, ok := row.Scores[alphaBeta]; ok {
			values[FactorMarket] = beta
		}
		if size, ok := row.Scores[alphaSize]; ok {
			values[FactorSize] = size
		}
		out = append(out, FactorExposure{Symbol: row.Symbol, Date: row.Date.UTC(), Values: values})
	}
	return out
}

func byDate(s Series) map[time.Time]float64 {
	m := make(map[time.Time]float64, len(s))
	for _, p := range s {
		m[p.Date.UTC()] = finiteOrZero(p.Value)
	}
	return m
}

func sortSeries(s Series) {
	sort.Slice(s, func(i, j int) bool { return s[i].Date.Before(s[j].Date) })
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
