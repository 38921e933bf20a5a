package riskmodel

import (
	"fmt"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"
)

// Snapshot is an immutable, serializable copy of a fitted model. It satisfies the optimizer's
// risk model contract so a cached fit can be optimized against without refitting.
type Snapshot struct {
	RunID            string         `json:"run_id" msgpack:"run_id"`
	Kind             string         `json:"kind" msgpack:"kind"`
	Universe         []string       `json:"symbols" msgpack:"symbols"`
	Factors          []string       `json:"factors" msgpack:"factors"`
	Covariance       [][]float64    `json:"covariance" msgpack:"covariance"`
	Betas            [][]float64    `json:"betas,omitempty" msgpack:"betas"`
	FactorCovariance [][]float64    `json:"factor_covariance" msgpack:"factor_covariance"`
	SpecificVariance []float64      `json:"specific_variance,omitempty" msgpack:"specific_variance"`
	FallbackVariance float64        `json:"fallback_variance" msgpack:"fallback_variance"`
	Diagnostics      FitDiagnostics `json:"diagnostics" msgpack:"diagnostics"`
	CreatedAt        time.Time      `json:"created_at" msgpack:"created_at"`
}

// Snapshot captures the current state of the factor model.
func (m *FactorModel) Snapshot() *Snapshot {
	s := m.current()
	return &Snapshot{
		RunID:            s.diagnostics.RunID,
		Kind:             ModelKindFactor,
		Universe:         append([]string(nil), s.symbols...),
		Factors:          append([]string(nil), m.factors...),
		Covariance:       symToSlices(s.cov),
		Betas:            denseToSlices(s.betas),
		FactorCovariance: symToSlices(s.factorCov),
		SpecificVariance: append([]float64(nil), s.specificVar...),
		FallbackVariance: m.defaults.FallbackVariance,
		Diagnostics:      s.diagnostics,
		CreatedAt:        time.Now().UTC(),
	}
}

// Snapshot captures the current state of the statistical model. Latent factors are named
// PC1..PCk.
func (m *StatisticalModel) Snapshot() *Snapshot {
	s := m.current()
	k := s.factorCov.SymmetricDim()
	factors := make([]string, k)
	for i := range factors {
		factors[i] = fmt.Sprintf("PC%d", i+1)
	}
	var betas [][]float64
	if s.loadings != nil {
		betas = denseToSlices(s.loadings)
	}
	return &Snapshot{
		RunID:            s.diagnostics.RunID,
		Kind:             ModelKindStatistical,
		Universe:         append([]string(nil), s.symbols...),
		Factors:          factors,
		Covariance:       symToSlices(s.cov),
		Betas:            betas,
		FactorCovariance: symToSlices(s.factorCov),
		SpecificVariance: append([]float64(nil), s.specificVar...),
		FallbackVariance: m.cfg.DefaultVariance,
		Diagnostics:      s.diagnostics,
		CreatedAt:        time.Now().UTC(),
	}
}

// Encode serializes the snapshot with msgpack.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot %s: %w", s.RunID, err)
	}
	return data, nil
}

// DecodeSnapshot restores a snapshot produced by Encode.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &s, nil
}

// CovarianceMatrix returns Σ as a gonum matrix.
func (s *Snapshot) CovarianceMatrix() *mat.SymDense {
	cov, err := symFromSlices(s.Covariance)
	if err != nil {
		return &mat.SymDense{}
	}
	return cov
}

// Symbols returns the row order of Σ.
func (s *Snapshot) Symbols() []string {
	return append([]string(nil), s.Universe...)
}

// SpecificRisk returns the specific volatility of a symbol, √FallbackVariance when unknown.
func (s *Snapshot) SpecificRisk(symbol string) float64 {
	for i, sym := range s.Universe {
		if sym == symbol && i < len(s.SpecificVariance) {
			return math.Sqrt(s.SpecificVariance[i])
		}
	}
	return math.Sqrt(s.FallbackVariance)
}

func (s *Snapshot) factorCov() mat.Symmetric {
	f, err := symFromSlices(s.FactorCovariance)
	if err != nil {
		return nil
	}
	return f
}

// ExplainRisk decomposes the variance of a single exposure vector.
func (s *Snapshot) ExplainRisk(exposure FactorExposure) RiskDecomposition {
	return explainRisk(s.Factors, s.factorCov(), exposure.Vector(s.Factors), s.SpecificRisk(exposure.Symbol))
}

// PortfolioExposure returns wᵀB over the snapshot's betas.
func (s *Snapshot) PortfolioExposure(weights map[string]float64) []float64 {
	betas, err := denseFromSlices(s.Betas)
	if err != nil {
		betas = nil
	}
	return portfolioExposure(weights, betas, s.Universe, len(s.Factors))
}

// PortfolioRisk splits portfolio variance into its factor and specific parts.
func (s *Snapshot) PortfolioRisk(weights map[string]float64) PortfolioRisk {
	return portfolioRisk(s.factorCov(), s.PortfolioExposure(weights), weights, s.SpecificRisk)
}

// DecomposeByFactor attributes the factor variance of the weighted portfolio to each factor.
func (s *Snapshot) DecomposeByFactor(weights map[string]float64) map[string]float64 {
	return decomposeByFactor(s.Factors, s.factorCov(), s.PortfolioExposure(weights))
}
