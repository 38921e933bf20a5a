package riskmodel

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Shrinkage targets for the statistical model.
const (
	ShrinkageSample              = "sample"
	ShrinkageConstantCorrelation = "constant_correlation"
	ShrinkageSingleFactor        = "single_factor"
)

// shrinkageIntensity derives the blend weight from the sample size.
// Small samples (T < 10 or N < 2) shrink by half; otherwise 10/T bounded to [0.1, 0.5].
func shrinkageIntensity(t, n int) float64 {
	if t < 10 || n < 2 {
		return 0.5
	}
	return math.Min(0.5, math.Max(0.1, 10/float64(t)))
}

// sampleCovariance returns the annualized sample covariance (n-1 denominator) of the panel columns.
func sampleCovariance(returns mat.Matrix, periods float64) *mat.SymDense {
	_, n := returns.Dims()
	cov := mat.NewSymDense(n, nil)
	stat.CovarianceMatrix(cov, returns, nil)
	cov.ScaleSym(periods, cov)
	return cov
}

// constantCorrelationTarget keeps the sample variances and replaces every correlation with the
// average off-diagonal correlation.
func constantCorrelationTarget(sample mat.Symmetric) *mat.SymDense {
	n := sample.SymmetricDim()
	sd := make([]float64, n)
	for i := 0; i < n; i++ {
		sd[i] = math.Sqrt(math.Max(sample.At(i, i), 0))
	}

	var sum float64
	var count int
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if sd[i] > 0 && sd[j] > 0 {
				sum += sample.At(i, j) / (sd[i] * sd[j])
			}
			count++
		}
	}
	avgCorr := 0.0
	if count > 0 {
		avgCorr = sum / float64(count)
	}

	target := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		target.SetSym(i, i, sample.At(i, i))
		for j := i + 1; j < n; j++ {
			target.SetSym(i, j, avgCorr*sd[i]*sd[j])
		}
	}
	return target
}

// singleFactorTarget regresses each column on the equal-weighted market series:
// target = ββᵀ·var(m)·P + diag(residual variance·P).
func singleFactorTarget(returns *mat.Dense, periods float64) *mat.SymDense {
	t, n := returns.Dims()
	market := make([]float64, t)
	for s := 0; s < t; s++ {
		market[s] = stat.Mean(returns.RawRowView(s), nil)
	}
	varM := stat.Variance(market, nil)

	betas := make([]float64, n)
	residVar := make([]float64, n)
	col := make([]float64, t)
	resid := make([]float64, t)
	for i := 0; i < n; i++ {
		mat.Col(col, i, returns)
		if varM > 0 {
			betas[i] = stat.Covariance(col, market, nil) / varM
		}
		for s := range col {
			resid[s] = col[s] - betas[i]*market[s]
		}
		residVar[i] = stat.Variance(resid, nil)
	}

	target := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := betas[i] * betas[j] * varM * periods
			if i == j {
				v += residVar[i] * periods
			}
			target.SetSym(i, j, v)
		}
	}
	return target
}

// shrink blends α·target + (1-α)·sample.
func shrink(sample, target mat.Symmetric, alpha float64) *mat.SymDense {
	n := sample.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, alpha*target.At(i, j)+(1-alpha)*sample.At(i, j))
		}
	}
	return out
}
