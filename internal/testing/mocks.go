package testing

import (
	"gonum.org/v1/gonum/mat"
)

// MockRiskModel is a fixed covariance model for optimizer tests.
type MockRiskModel struct {
	Cov  *mat.SymDense
	Syms []string
}

// NewMockRiskModel builds a model with the given symbols and a diagonal covariance.
func NewMockRiskModel(symbols []string, variance float64) *MockRiskModel {
	m := &MockRiskModel{Syms: append([]string(nil), symbols...), Cov: &mat.SymDense{}}
	if len(symbols) > 0 {
		m.Cov = mat.NewSymDense(len(symbols), nil)
		for i := range symbols {
			m.Cov.SetSym(i, i, variance)
		}
	}
	return m
}

// CovarianceMatrix returns the configured covariance.
func (m *MockRiskModel) CovarianceMatrix() *mat.SymDense {
	return m.Cov
}

// Symbols returns the configured symbols.
func (m *MockRiskModel) Symbols() []string {
	return m.Syms
}
