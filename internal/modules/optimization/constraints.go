// Package optimization builds and solves constrained mean-variance portfolio problems.
package optimization

import (
	"math"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// ExposureTable holds factor loadings per symbol. Loadings[symbol][k] is the exposure to Factors[k].
type ExposureTable struct {
	Factors  []string             `json:"factors"`
	Loadings map[string][]float64 `json:"loadings"`
}

// ExposureTableFromBetas builds a table from a symbols × factors beta matrix, as stored in risk
// model snapshots. It returns nil when the shapes disagree or there are no factors.
func ExposureTableFromBetas(symbols, factors []string, betas [][]float64) *ExposureTable {
	if len(betas) != len(symbols) || len(factors) == 0 {
		return nil
	}
	loadings := make(map[string][]float64, len(symbols))
	for i, sym := range symbols {
		if len(betas[i]) != len(factors) {
			return nil
		}
		loadings[sym] = append([]float64(nil), betas[i]...)
	}
	return &ExposureTable{Factors: append([]string(nil), factors...), Loadings: loadings}
}

// HasFactor reports whether the table carries a column for factor.
func (t *ExposureTable) HasFactor(factor string) bool {
	return t.column(factor) >= 0
}

func (t *ExposureTable) column(factor string) int {
	if t == nil {
		return -1
	}
	for k, f := range t.Factors {
		if f == factor {
			return k
		}
	}
	return -1
}

// Column returns the exposures to factor aligned to symbols; unknown symbols load 0.
func (t *ExposureTable) Column(factor string, symbols []string) []float64 {
	out := make([]float64, len(symbols))
	k := t.column(factor)
	if k < 0 {
		return out
	}
	for i, s := range symbols {
		if row, ok := t.Loadings[s]; ok && k < len(row) {
			out[i] = row[k]
		}
	}
	return out
}

// Empty reports whether the table has no factors or no symbols.
func (t *ExposureTable) Empty() bool {
	return t == nil || len(t.Factors) == 0 || len(t.Loadings) == 0
}

// SectorStructure is a one-hot sector membership matrix (sectors × symbols) with per-sector bounds.
type SectorStructure struct {
	Sectors []string
	Matrix  *mat.Dense
	Bounds  []Bound
}

// ConstraintBuilder translates an OptimizerConfig into numeric constraint structures.
// It is pure: nothing it returns aliases the config.
type ConstraintBuilder struct {
	cfg OptimizerConfig
	log zerolog.Logger
}

// NewConstraintBuilder creates a builder for cfg.
func NewConstraintBuilder(cfg OptimizerConfig, log zerolog.Logger) *ConstraintBuilder {
	return &ConstraintBuilder{
		cfg: cfg,
		log: log.With().Str("component", "constraints").Logger(),
	}
}

// WeightBounds returns one (min, max) pair per symbol. Long-only raises min to 0.
func (cb *ConstraintBuilder) WeightBounds(symbols []string) []Bound {
	wc := cb.cfg.WeightConstraints
	lower := wc.MinWeight
	if wc.LongOnly {
		lower = math.Max(lower, 0)
	}

	bounds := make([]Bound, len(symbols))
	for i := range bounds {
		bounds[i] = Bound{Lower: lower, Upper: wc.MaxWeight}
	}
	return bounds
}

// FactorBounds returns the configured factor bounds restricted to factors present in table.
func (cb *ConstraintBuilder) FactorBounds(table *ExposureTable) map[string]Bound {
	out := make(map[string]Bound)
	for name, b := range cb.cfg.FactorConstraints.FactorBounds {
		if !table.HasFactor(name) {
			cb.log.Debug().Str("factor", name).Msg("Factor bound ignored, no exposures for factor")
			continue
		}
		out[name] = b
	}
	return out
}

// SectorConstraints returns the sector membership structure, or nil when sector constraints are
// disabled or no sectors are known. Sectors without a configured bound are unbounded.
func (cb *ConstraintBuilder) SectorConstraints(symbols []string, sectorMap map[string]string) *SectorStructure {
	if !cb.cfg.SectorConstraints.Enabled || sectorMap == nil {
		return nil
	}

	seen := make(map[string]struct{})
	for _, sector := range sectorMap {
		seen[sector] = struct{}{}
	}
	if len(seen) == 0 || len(symbols) == 0 {
		return nil
	}
	sectors := make([]string, 0, len(seen))
	for s := range seen {
		sectors = append(sectors, s)
	}
	sort.Strings(sectors)

	index := make(map[string]int, len(sectors))
	for j, s := range sectors {
		index[s] = j
	}

	m := mat.NewDense(len(sectors), len(symbols), nil)
	for i, sym := range symbols {
		if sector, ok := sectorMap[sym]; ok {
			m.Set(index[sector], i, 1)
		}
	}

	bounds := make([]Bound, len(sectors))
	for j, s := range sectors {
		if b, ok := cb.cfg.SectorConstraints.SectorBounds[s]; ok {
			bounds[j] = b
		} else {
			bounds[j] = Unbounded()
		}
	}

	cb.log.Debug().Int("sectors", len(sectors)).Int("symbols", len(symbols)).Msg("Built sector constraints")
	return &SectorStructure{Sectors: sectors, Matrix: m, Bounds: bounds}
}

// LinearConstraints converts factor bounds and the sector structure into linear rows over the
// weights of symbols. Infinite sides produce no row. Factor rows come first, sorted by name.
func (cb *ConstraintBuilder) LinearConstraints(
	symbols []string,
	table *ExposureTable,
	factorBounds map[string]Bound,
	sectors *SectorStructure,
) []LinearConstraint {
	var rows []LinearConstraint

	names := make([]string, 0, len(factorBounds))
	for name := range factorBounds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		coeffs := table.Column(name, symbols)
		rows = appendBounded(rows, KindFactor, name, coeffs, factorBounds[name])
	}

	if sectors != nil {
		for j, name := range sectors.Sectors {
			rows = appendBounded(rows, KindSector, name, mat.Row(nil, j, sectors.Matrix), sectors.Bounds[j])
		}
	}
	return rows
}

func appendBounded(rows []LinearConstraint, kind, name string, coeffs []float64, b Bound) []LinearConstraint {
	if !math.IsInf(b.Lower, 0) {
		rows = append(rows, NewLinearConstraint(kind, name, AtLeast, coeffs, b.Lower))
	}
	if !math.IsInf(b.Upper, 0) {
		rows = append(rows, NewLinearConstraint(kind, name, AtMost, coeffs, b.Upper))
	}
	return rows
}
