package riskmodel

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

func explainRisk(factors []string, factorCov mat.Symmetric, beta []float64, specificVol float64) RiskDecomposition {
	k := len(factors)
	factorVar := 0.0
	contributions := make(map[string]float64, k)
	if factorCov != nil && factorCov.SymmetricDim() == k && k > 0 {
		b := mat.NewVecDense(k, append([]float64(nil), beta...))
		factorVar = math.Max(mat.Inner(b, factorCov, b), 0)
		for i, f := range factors {
			contributions[f] = beta[i] * beta[i] * factorCov.At(i, i)
		}
	}

	specificVar := specificVol * specificVol
	return RiskDecomposition{
		TotalVariance:       factorVar + specificVar,
		FactorVariance:      factorVar,
		SpecificVariance:    specificVar,
		FactorContributions: contributions,
	}
}

func portfolioExposure(weights map[string]float64, betas *mat.Dense, symbols []string, k int) []float64 {
	exposure := make([]float64, k)
	if betas == nil {
		return exposure
	}
	for i, s := range symbols {
		w, ok := weights[s]
		if !ok {
			continue
		}
		for j := 0; j < k; j++ {
			exposure[j] += w * betas.At(i, j)
		}
	}
	return exposure
}

// PortfolioExposureAt aggregates the exposures observed on date, weighted by the portfolio.
// When the matched weight does not sum to one the result is rescaled by it.
func PortfolioExposureAt(weights map[string]float64, exposures []FactorExposure, date time.Time, factors []string) []float64 {
	exposure := make([]float64, len(factors))
	matched := 0.0
	day := date.UTC()
	for _, e := range exposures {
		if !e.Date.UTC().Equal(day) {
			continue
		}
		w, ok := weights[e.Symbol]
		if !ok {
			continue
		}
		matched += w
		for j, v := range e.Vector(factors) {
			exposure[j] += w * v
		}
	}
	if matched != 0 && math.Abs(matched-1) > 1e-12 {
		for j := range exposure {
			exposure[j] /= matched
		}
	}
	return exposure
}

func portfolioRisk(factorCov mat.Symmetric, exposure []float64, weights map[string]float64, specificRisk func(string) float64) PortfolioRisk {
	factorVar := 0.0
	k := len(exposure)
	if factorCov != nil && factorCov.SymmetricDim() == k && k > 0 {
		b := mat.NewVecDense(k, append([]float64(nil), exposure...))
		factorVar = math.Max(mat.Inner(b, factorCov, b), 0)
	}

	specificVar := 0.0
	for symbol, w := range weights {
		vol := specificRisk(symbol)
		specificVar += w * w * vol * vol
	}

	total := factorVar + specificVar
	return PortfolioRisk{
		TotalVariance:      total,
		FactorVariance:     factorVar,
		SpecificVariance:   specificVar,
		TotalVolatility:    math.Sqrt(total),
		FactorVolatility:   math.Sqrt(factorVar),
		SpecificVolatility: math.Sqrt(specificVar),
	}
}

// decomposeByFactor returns β_i Σ_j β_j F_ij per factor; the values sum to βᵀFβ.
func decomposeByFactor(factors []string, factorCov mat.Symmetric, exposure []float64) map[string]float64 {
	out := make(map[string]float64, len(factors))
	if factorCov == nil || factorCov.SymmetricDim() != len(factors) || len(exposure) != len(factors) {
		return out
	}
	for i, f := range factors {
		c := 0.0
		for j := range factors {
			c += exposure[j] * factorCov.At(i, j)
		}
		out[f] = exposure[i] * c
	}
	return out
}
