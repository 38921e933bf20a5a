package riskmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestQuantileLinear(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5}

	assert.InDelta(t, 2.0, quantileLinear(sorted, 0.25), 1e-12)
	assert.InDelta(t, 1.4, quantileLinear(sorted, 0.1), 1e-12)
	assert.InDelta(t, 5.0, quantileLinear(sorted, 1), 1e-12)
	assert.InDelta(t, 1.0, quantileLinear(sorted, 0), 1e-12)
	assert.Equal(t, 7.0, quantileLinear([]float64{7}, 0.5))
}

func TestWinsorize(t *testing.T) {
	values := []float64{100, 1, 3, 2, 4}
	winsorize(values, 0.25, 0.75)

	assert.Equal(t, []float64{4, 2, 3, 2, 4}, values, "outliers should be clipped to the quartiles in place")
}

func TestEWMAWeights(t *testing.T) {
	w := ewmaWeights(100, 60)
	require.Len(t, w, 100)

	assert.InDelta(t, 100.0, floats.Sum(w), 1e-9, "weights should sum to the sample length")
	for i := 1; i < len(w); i++ {
		assert.Greater(t, w[i], w[i-1], "newest observation must carry the largest weight")
	}
	// one half-life apart
	assert.InDelta(t, 0.5, w[39]/w[99], 1e-12)

	assert.Nil(t, ewmaWeights(0, 60))
}

func TestRepairPSD_FloorsNegativeEigenvalues(t *testing.T) {
	a := mat.NewSymDense(2, []float64{1, 2, 2, 1}) // eigenvalues 3 and -1

	repaired, clipped, err := RepairPSD(a, 1e-8)
	require.NoError(t, err)
	assert.Equal(t, 1, clipped)

	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			assert.InDelta(t, 1.5, repaired.At(i, j), 1e-6)
		}
	}

	var eig mat.EigenSym
	require.True(t, eig.Factorize(repaired, false))
	for _, v := range eig.Values(nil) {
		assert.GreaterOrEqual(t, v, -1e-12)
	}
}

func TestRepairPSD_EmptyMatrix(t *testing.T) {
	repaired, clipped, err := RepairPSD(&mat.SymDense{}, 1e-8)
	require.NoError(t, err)
	assert.Equal(t, 0, clipped)
	assert.Equal(t, 0, repaired.SymmetricDim())
}

func TestEWMACovariance(t *testing.T) {
	rows := [][]float64{{0.01, -0.01}, {0.02, 0.01}, {-0.01, 0.0}}

	cov, err := ewmaCovariance(rows, 2, 0.94, 1e-6, 252)
	require.NoError(t, err)

	// replay the recursion by hand for the (0,0) element
	v := 1e-6
	for _, r := range rows {
		v = 0.94*v + 0.06*r[0]*r[0]
	}
	assert.InDelta(t, v*252, cov.At(0, 0), 1e-12)
	assert.Equal(t, cov.At(0, 1), cov.At(1, 0))
}

func TestShrinkageIntensity(t *testing.T) {
	assert.Equal(t, 0.5, shrinkageIntensity(5, 10), "short samples shrink by half")
	assert.Equal(t, 0.5, shrinkageIntensity(100, 1), "a single asset shrinks by half")
	assert.InDelta(t, 0.25, shrinkageIntensity(40, 5), 1e-12)
	assert.InDelta(t, 0.1, shrinkageIntensity(1000, 5), 1e-12)
	assert.InDelta(t, 0.5, shrinkageIntensity(15, 5), 1e-12)
}

func TestConstantCorrelationTarget(t *testing.T) {
	// σ = (0.2, 0.1, 0.3); correlations 0.5, 0.0, 0.25 ⇒ average 0.25
	sample := mat.NewSymDense(3, []float64{
		0.04, 0.01, 0,
		0.01, 0.01, 0.0075,
		0, 0.0075, 0.09,
	})

	target := constantCorrelationTarget(sample)

	assert.InDelta(t, 0.04, target.At(0, 0), 1e-12, "variances are preserved")
	assert.InDelta(t, 0.25*0.2*0.1, target.At(0, 1), 1e-12)
	assert.InDelta(t, 0.25*0.2*0.3, target.At(0, 2), 1e-12)
	assert.InDelta(t, 0.25*0.1*0.3, target.At(1, 2), 1e-12)
}
