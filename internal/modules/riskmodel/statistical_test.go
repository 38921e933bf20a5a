package riskmodel_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/factorrisk/internal/modules/riskmodel"
	testhelpers "github.com/aristath/factorrisk/internal/testing"
)

func newStatisticalModel(t *testing.T, target string) *riskmodel.StatisticalModel {
	t.Helper()
	cfg := riskmodel.DefaultStatisticalConfig()
	cfg.ShrinkageTarget = target
	m, err := riskmodel.NewStatisticalModel(cfg, zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestStatisticalConfig_Validate(t *testing.T) {
	cfg := riskmodel.DefaultStatisticalConfig()
	assert.NoError(t, cfg.Validate())

	cfg.ShrinkageTarget = "ledoit"
	assert.Error(t, cfg.Validate())

	cfg = riskmodel.DefaultStatisticalConfig()
	cfg.MaxFactors = 1
	assert.Error(t, cfg.Validate(), "max factors below min factors should be rejected")
}

func TestReturnPanel_KeepsCompleteDates(t *testing.T) {
	d1 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)
	panel := riskmodel.NewReturnPanel([]riskmodel.ReturnObservation{
		{Date: d2, Symbol: "B", Return: 0.02},
		{Date: d1, Symbol: "A", Return: 0.01},
		{Date: d1, Symbol: "B", Return: -0.01},
		{Date: d2, Symbol: "A", Return: 0.03},
		{Date: d2.AddDate(0, 0, 1), Symbol: "A", Return: 0.05},
	})

	assert.Equal(t, []string{"A", "B"}, panel.Symbols)
	require.Len(t, panel.Dates, 2, "dates missing a symbol are dropped")
	assert.Equal(t, -0.01, panel.Returns.At(0, 1))
	assert.Equal(t, 0.03, panel.Returns.At(1, 0))
	assert.True(t, riskmodel.NewReturnPanel(nil).Empty())
}

func TestStatisticalFit_EmptyPanelFallsBack(t *testing.T) {
	m := newStatisticalModel(t, riskmodel.ShrinkageSample)

	diag := m.Fit(riskmodel.ReturnPanel{})

	assert.True(t, diag.FallbackUsed)
	assert.Equal(t, riskmodel.ReasonEmptyInput, diag.Reason)
	assert.Equal(t, 1, m.FactorCount())
	assert.Empty(t, m.Symbols())
}

func TestStatisticalFit_SingleDateFallsBackOverSymbols(t *testing.T) {
	fx := testhelpers.NewPanelFixture(testhelpers.PanelOptions{Symbols: 4, Dates: 1, Seed: 10})
	m := newStatisticalModel(t, riskmodel.ShrinkageSample)

	diag := m.Fit(riskmodel.NewReturnPanel(fx.Returns))

	assert.True(t, diag.FallbackUsed)
	assert.Equal(t, riskmodel.ReasonInsufficientObservations, diag.Reason)
	cov := m.CovarianceMatrix()
	require.Equal(t, 4, cov.SymmetricDim())
	assert.Equal(t, 0.01, cov.At(2, 2))
	assert.Equal(t, 0.0, cov.At(0, 3))

	loadings := m.FactorLoadings(fx.Symbols)
	r, c := loadings.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 1, c)
}

func TestStatisticalFit_ExtractsFactors(t *testing.T) {
	fx := testhelpers.NewPanelFixture(testhelpers.PanelOptions{Symbols: 6, Dates: 120, Seed: 11})
	m := newStatisticalModel(t, riskmodel.ShrinkageSample)

	diag := m.Fit(riskmodel.NewReturnPanel(fx.Returns))

	require.False(t, diag.FallbackUsed, diag.Message)
	assert.Equal(t, 0.0, m.ShrinkageIntensity())
	assert.GreaterOrEqual(t, m.FactorCount(), 2)
	assert.LessOrEqual(t, m.FactorCount(), 5, "at most N-1 factors")
	assert.Equal(t, m.FactorCount(), diag.FactorCount)

	cov := m.CovarianceMatrix()
	require.Equal(t, 6, cov.SymmetricDim())
	requireSymmetricPSD(t, cov)

	for _, v := range m.SpecificVariances() {
		assert.GreaterOrEqual(t, v, 1e-8)
	}
}

func TestStatisticalFit_ShrinkageTargets(t *testing.T) {
	fx := testhelpers.NewPanelFixture(testhelpers.PanelOptions{Symbols: 5, Dates: 40, Seed: 12})
	panel := riskmodel.NewReturnPanel(fx.Returns)

	for _, target := range []string{riskmodel.ShrinkageConstantCorrelation, riskmodel.ShrinkageSingleFactor} {
		t.Run(target, func(t *testing.T) {
			m := newStatisticalModel(t, target)
			diag := m.Fit(panel)

			require.False(t, diag.FallbackUsed, diag.Message)
			assert.InDelta(t, 0.25, m.ShrinkageIntensity(), 1e-12, "10/T for T=40")
			assert.InDelta(t, 0.25, diag.ShrinkageIntensity, 1e-12)
			requireSymmetricPSD(t, m.CovarianceMatrix())
		})
	}
}

func TestCovarianceFor_ReindexesAndFillsUnknown(t *testing.T) {
	fx := testhelpers.NewPanelFixture(testhelpers.PanelOptions{Symbols: 4, Dates: 60, Seed: 13})
	m := newStatisticalModel(t, riskmodel.ShrinkageSample)
	require.False(t, m.Fit(riskmodel.NewReturnPanel(fx.Returns)).FallbackUsed)

	full := m.CovarianceMatrix()
	sub := m.CovarianceFor([]string{"SYM002", "UNKNOWN", "SYM000"})

	require.Equal(t, 3, sub.SymmetricDim())
	assert.Equal(t, full.At(2, 2), sub.At(0, 0))
	assert.Equal(t, full.At(2, 0), sub.At(0, 2))
	assert.Equal(t, 0.01, sub.At(1, 1), "unknown symbols get the default variance")
	assert.Equal(t, 0.0, sub.At(0, 1))
	assert.Equal(t, 0.0, sub.At(1, 2))

	loadings := m.FactorLoadings([]string{"UNKNOWN"})
	for j := 0; j < m.FactorCount(); j++ {
		assert.Equal(t, 0.0, loadings.At(0, j))
	}
}
