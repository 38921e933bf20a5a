package optimization

import "gonum.org/v1/gonum/mat"

// RiskModel is the narrow covariance contract the optimizer depends on.
// riskmodel.FactorModel, riskmodel.StatisticalModel and riskmodel.Snapshot satisfy it.
type RiskModel interface {
	CovarianceMatrix() *mat.SymDense
	Symbols() []string
}
