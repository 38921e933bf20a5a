package testing

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/aristath/factorrisk/internal/modules/riskmodel"
)

// PanelFixture is a synthetic factor-structured return panel with known factor returns.
type PanelFixture struct {
	Factors       []string
	Symbols       []string
	Dates         []time.Time
	Exposures     []riskmodel.FactorExposure
	Returns       []riskmodel.ReturnObservation
	FactorReturns *riskmodel.FactorReturnSeries
}

// PanelOptions controls the shape of a PanelFixture.
type PanelOptions struct {
	Symbols  int
	Dates    int
	Factors  []string
	Seed     int64
	NoiseVol float64 // daily idiosyncratic volatility
}

// NewPanelFixture generates returns r = x·f + ε for slowly drifting exposures x.
// The same options always produce the same panel.
func NewPanelFixture(opts PanelOptions) PanelFixture {
	if len(opts.Factors) == 0 {
		opts.Factors = []string{riskmodel.FactorMarket, riskmodel.FactorSize}
	}
	if opts.NoiseVol == 0 {
		opts.NoiseVol = 0.01
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	k := len(opts.Factors)

	fixture := PanelFixture{
		Factors:       append([]string(nil), opts.Factors...),
		FactorReturns: &riskmodel.FactorReturnSeries{Factors: append([]string(nil), opts.Factors...)},
	}
	for i := 0; i < opts.Symbols; i++ {
		fixture.Symbols = append(fixture.Symbols, fmt.Sprintf("SYM%03d", i))
	}

	base := make([][]float64, opts.Symbols)
	for i := range base {
		base[i] = make([]float64, k)
		for j := range base[i] {
			base[i][j] = rng.NormFloat64()
		}
	}

	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	for t := 0; t < opts.Dates; t++ {
		date := start.AddDate(0, 0, t)
		fixture.Dates = append(fixture.Dates, date)

		f := make([]float64, k)
		for j := range f {
			f[j] = 0.01 * rng.NormFloat64()
		}
		fixture.FactorReturns.Dates = append(fixture.FactorReturns.Dates, date)
		fixture.FactorReturns.Values = append(fixture.FactorReturns.Values, f)

		for i, symbol := range fixture.Symbols {
			values := make(map[string]float64, k)
			ret := opts.NoiseVol * rng.NormFloat64()
			for j, name := range opts.Factors {
				x := base[i][j] + 0.05*rng.NormFloat64()
				values[name] = x
				ret += x * f[j]
			}
			fixture.Exposures = append(fixture.Exposures, riskmodel.FactorExposure{Symbol: symbol, Date: date, Values: values})
			fixture.Returns = append(fixture.Returns, riskmodel.ReturnObservation{Date: date, Symbol: symbol, Return: ret})
		}
	}
	return fixture
}
