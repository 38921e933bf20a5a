package optimization

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestWeightBounds_LongOnlyRaisesMinimum(t *testing.T) {
	cfg := DefaultOptimizerConfig()
	cfg.WeightConstraints.MinWeight = -0.1
	cfg.WeightConstraints.MaxWeight = 0.3

	bounds := NewConstraintBuilder(cfg, zerolog.Nop()).WeightBounds([]string{"A", "B"})
	require.Len(t, bounds, 2)
	assert.Equal(t, Bound{Lower: 0, Upper: 0.3}, bounds[0])

	cfg.WeightConstraints.LongOnly = false
	bounds = NewConstraintBuilder(cfg, zerolog.Nop()).WeightBounds([]string{"A"})
	assert.Equal(t, Bound{Lower: -0.1, Upper: 0.3}, bounds[0])
}

func TestFactorBounds_FiltersUnknownFactors(t *testing.T) {
	cfg := DefaultOptimizerConfig()
	cfg.FactorConstraints.FactorBounds = map[string]Bound{
		"R_MKT":  {Lower: -0.1, Upper: 0.1},
		"R_FLOW": {Lower: -0.3, Upper: 0.3},
	}
	table := &ExposureTable{Factors: []string{"R_MKT", "R_SIZE"}, Loadings: map[string][]float64{"A": {1, 0}}}

	got := NewConstraintBuilder(cfg, zerolog.Nop()).FactorBounds(table)

	assert.Equal(t, map[string]Bound{"R_MKT": {Lower: -0.1, Upper: 0.1}}, got)

	empty := NewConstraintBuilder(DefaultOptimizerConfig(), zerolog.Nop()).FactorBounds(table)
	assert.Empty(t, empty)
}

func TestSectorConstraints_DisabledOrMissingMap(t *testing.T) {
	cfg := DefaultOptimizerConfig()
	cb := NewConstraintBuilder(cfg, zerolog.Nop())
	assert.Nil(t, cb.SectorConstraints([]string{"A"}, map[string]string{"A": "TECH"}), "disabled")

	cfg.SectorConstraints.Enabled = true
	cb = NewConstraintBuilder(cfg, zerolog.Nop())
	assert.Nil(t, cb.SectorConstraints([]string{"A"}, nil))
	assert.Nil(t, cb.SectorConstraints([]string{"A"}, map[string]string{}))
}

func TestSectorConstraints_OneHotMatrix(t *testing.T) {
	cfg := DefaultOptimizerConfig()
	cfg.SectorConstraints.Enabled = true
	cfg.SectorConstraints.SectorBounds = map[string]Bound{"TECH": {Lower: 0.1, Upper: 0.4}}
	cb := NewConstraintBuilder(cfg, zerolog.Nop())

	symbols := []string{"A", "B", "C", "D"}
	s := cb.SectorConstraints(symbols, map[string]string{"A": "TECH", "B": "ENERGY", "C": "TECH"})
	require.NotNil(t, s)

	assert.Equal(t, []string{"ENERGY", "TECH"}, s.Sectors)
	assert.Equal(t, []float64{0, 1, 0, 0}, mat.Row(nil, 0, s.Matrix))
	assert.Equal(t, []float64{1, 0, 1, 0}, mat.Row(nil, 1, s.Matrix), "D has no sector and stays unassigned")
	assert.True(t, math.IsInf(s.Bounds[0].Lower, -1))
	assert.True(t, math.IsInf(s.Bounds[0].Upper, 1))
	assert.Equal(t, Bound{Lower: 0.1, Upper: 0.4}, s.Bounds[1])
}

func TestLinearConstraints_SkipsInfiniteSides(t *testing.T) {
	cfg := DefaultOptimizerConfig()
	cfg.SectorConstraints.Enabled = true
	cfg.SectorConstraints.SectorBounds = map[string]Bound{"TECH": {Lower: math.Inf(-1), Upper: 0.5}}
	cb := NewConstraintBuilder(cfg, zerolog.Nop())

	symbols := []string{"A", "B"}
	table := &ExposureTable{Factors: []string{"R_MKT"}, Loadings: map[string][]float64{"A": {0.5}, "B": {-0.2}}}
	sectors := cb.SectorConstraints(symbols, map[string]string{"A": "TECH", "B": "UTIL"})

	rows := cb.LinearConstraints(symbols, table, map[string]Bound{"R_MKT": {Lower: -0.1, Upper: 0.1}}, sectors)

	require.Len(t, rows, 3, "two factor sides, one finite TECH side, nothing for UTIL")
	assert.Equal(t, KindFactor, rows[0].Kind())
	assert.Equal(t, AtLeast, rows[0].Sense())
	assert.Equal(t, -0.1, rows[0].Bound())
	assert.Equal(t, []float64{0.5, -0.2}, rows[0].Coeffs())
	assert.Equal(t, AtMost, rows[1].Sense())
	assert.Equal(t, KindSector, rows[2].Kind())
	assert.Equal(t, "TECH", rows[2].Name())
	assert.Equal(t, []float64{1, 0}, rows[2].Coeffs())
}

func TestLinearConstraint_IsImmutable(t *testing.T) {
	coeffs := []float64{1, 2}
	c := NewLinearConstraint(KindFactor, "R_MKT", AtMost, coeffs, 1)

	coeffs[0] = 100
	got := c.Coeffs()
	got[1] = 100

	assert.Equal(t, []float64{1, 2}, c.Coeffs())
	assert.InDelta(t, 0.5, c.Violation([]float64{0.5, 0.5}), 1e-12)
	assert.Equal(t, 0.0, c.Violation([]float64{0.2, 0.2}))
}

func TestBound_UnmarshalJSON(t *testing.T) {
	var pair, abs Bound
	require.NoError(t, pair.UnmarshalJSON([]byte(`[-0.1, 0.2]`)))
	require.NoError(t, abs.UnmarshalJSON([]byte(`0.3`)))

	assert.Equal(t, Bound{Lower: -0.1, Upper: 0.2}, pair)
	assert.Equal(t, Bound{Lower: -0.3, Upper: 0.3}, abs)

	var bad Bound
	assert.Error(t, bad.UnmarshalJSON([]byte(`[0.2, -0.1]`)))
	assert.Error(t, bad.UnmarshalJSON([]byte(`[1, 2, 3]`)))
	assert.Error(t, bad.UnmarshalJSON([]byte(`"wide"`)))
}

func TestLoadOptimizerConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optimizer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
risk_objective:
  risk_aversion: 2.5
weight_constraints:
  max_weight: 0.1
factor_constraints:
  factor_bounds:
    R_MKT: [-0.1, 0.1]
    R_SIZE: 0.25
sector_constraints:
  enabled: true
  sector_bounds:
    TECH: [-.inf, 0.3]
`), 0o644))

	cfg, err := LoadOptimizerConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2.5, cfg.RiskObjective.RiskAversion)
	assert.True(t, cfg.RiskObjective.UseMaxSharpe, "unset keys keep their defaults")
	assert.Equal(t, 0.1, cfg.WeightConstraints.MaxWeight)
	assert.True(t, cfg.WeightConstraints.LongOnly)
	assert.Equal(t, Bound{Lower: -0.1, Upper: 0.1}, cfg.FactorConstraints.FactorBounds["R_MKT"])
	assert.Equal(t, Bound{Lower: -0.25, Upper: 0.25}, cfg.FactorConstraints.FactorBounds["R_SIZE"])
	assert.True(t, math.IsInf(cfg.SectorConstraints.SectorBounds["TECH"].Lower, -1))

	defaults, err := LoadOptimizerConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultOptimizerConfig(), defaults)
}

func TestLoadOptimizerConfig_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optimizer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("weight_constraints:\n  min_weight: 0.5\n  max_weight: 0.1\n"), 0o644))

	_, err := LoadOptimizerConfig(path)
	assert.Error(t, err)

	_, err = LoadOptimizerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
