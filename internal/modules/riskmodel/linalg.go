package riskmodel

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// RepairPSD floors the eigenvalues of a symmetric matrix at floor, rebuilds it and symmetrises
// the result. It returns the repaired matrix and the number of eigenvalues that were raised.
func RepairPSD(a mat.Symmetric, floor float64) (*mat.SymDense, int, error) {
	n := a.SymmetricDim()
	if n == 0 {
		return &mat.SymDense{}, 0, nil
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(a, true); !ok {
		return nil, 0, fmt.Errorf("eigendecomposition failed for %dx%d matrix", n, n)
	}

	values := eig.Values(nil)
	clipped := 0
	for i, v := range values {
		if v < floor || math.IsNaN(v) {
			values[i] = floor
			clipped++
		}
	}

	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// V diag(λ) Vᵀ
	scaled := mat.DenseCopyOf(&vecs)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			scaled.Set(i, j, scaled.At(i, j)*values[j])
		}
	}
	var rebuilt mat.Dense
	rebuilt.Mul(scaled, vecs.T())

	return symmetrize(&rebuilt), clipped, nil
}

// symmetrize returns (A + Aᵀ)/2 as a SymDense.
func symmetrize(a mat.Matrix) *mat.SymDense {
	n, _ := a.Dims()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	return out
}

// conditionNumber returns the 2-norm condition number, +Inf for singular or non-finite input.
func conditionNumber(a mat.Matrix) float64 {
	r, c := a.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := a.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return math.Inf(1)
			}
		}
	}
	cond := mat.Cond(a, 2)
	if math.IsNaN(cond) {
		return math.Inf(1)
	}
	return cond
}

// ewmaWeights returns n weights with the given half-life, oldest first and newest largest,
// normalised so that they sum to n.
func ewmaWeights(n int, halfLife float64) []float64 {
	if n <= 0 {
		return nil
	}
	decay := math.Exp(-math.Ln2 / halfLife)
	weights := make([]float64, n)
	sum := 0.0
	for i := 0; i < n; i++ {
		weights[i] = math.Pow(decay, float64(n-1-i))
		sum += weights[i]
	}
	for i := range weights {
		weights[i] = weights[i] / sum * float64(n)
	}
	return weights
}

// ewmaCovariance runs Cov_t = λ·Cov_{t-1} + (1-λ)·r rᵀ over rows (oldest first), seeded with
// I·seed, annualises by periods and clips negative eigenvalues to zero.
func ewmaCovariance(rows [][]float64, k int, lambda, seed, periods float64) (*mat.SymDense, error) {
	if k == 0 {
		return &mat.SymDense{}, nil
	}
	cov := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		cov.SetSym(i, i, seed)
	}
	for _, r := range rows {
		for i := 0; i < k; i++ {
			for j := i; j < k; j++ {
				cov.SetSym(i, j, lambda*cov.At(i, j)+(1-lambda)*r[i]*r[j])
			}
		}
	}
	cov.ScaleSym(periods, cov)

	repaired, _, err := RepairPSD(cov, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to repair factor covariance: %w", err)
	}
	return repaired, nil
}

// quantileLinear is the linear-interpolation sample quantile (h = (n-1)p) over sorted data.
func quantileLinear(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 || p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}
	h := float64(n-1) * p
	lo := int(math.Floor(h))
	if lo >= n-1 {
		return sorted[n-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// winsorize clips values in place to the [lower, upper] quantiles of the data.
func winsorize(values []float64, lower, upper float64) {
	if len(values) == 0 {
		return
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	lo := quantileLinear(sorted, lower)
	hi := quantileLinear(sorted, upper)
	for i, v := range values {
		switch {
		case v < lo:
			values[i] = lo
		case v > hi:
			values[i] = hi
		}
	}
}

func symToSlices(a mat.Symmetric) [][]float64 {
	n := a.SymmetricDim()
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			out[i][j] = a.At(i, j)
		}
	}
	return out
}

func denseToSlices(a mat.Matrix) [][]float64 {
	if a == nil {
		return nil
	}
	r, c := a.Dims()
	out := make([][]float64, r)
	for i := 0; i < r; i++ {
		out[i] = make([]float64, c)
		for j := 0; j < c; j++ {
			out[i][j] = a.At(i, j)
		}
	}
	return out
}

// symFromSlices builds a symmetric matrix from row slices, averaging any asymmetry.
func symFromSlices(rows [][]float64) (*mat.SymDense, error) {
	n := len(rows)
	if n == 0 {
		return &mat.SymDense{}, nil
	}
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		if len(rows[i]) != n {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(rows[i]), n)
		}
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, 0.5*(rows[i][j]+rows[j][i]))
		}
	}
	return out, nil
}

func denseFromSlices(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	c := len(rows[0])
	if c == 0 {
		return nil, nil
	}
	out := mat.NewDense(len(rows), c, nil)
	for i, row := range rows {
		if len(row) != c {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), c)
		}
		out.SetRow(i, row)
	}
	return out, nil
}

func scaledIdentity(n int, v float64) *mat.SymDense {
	if n == 0 {
		return &mat.SymDense{}
	}
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		out.SetSym(i, i, v)
	}
	return out
}
