package riskmodel_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/factorrisk/internal/metrics"
	"github.com/aristath/factorrisk/internal/modules/riskmodel"
	testhelpers "github.com/aristath/factorrisk/internal/testing"
)

func fittedSnapshot(t *testing.T) *riskmodel.Snapshot {
	t.Helper()
	fx := testhelpers.NewPanelFixture(testhelpers.PanelOptions{Symbols: 8, Dates: 260, Factors: twoFactors, Seed: 20})
	m := newModel(t, riskmodel.DefaultDefaults())
	require.False(t, m.Fit(fx.Exposures, fx.Returns, nil).FallbackUsed)
	return m.Snapshot()
}

func TestSnapshot_EncodeDecodePreservesModel(t *testing.T) {
	snap := fittedSnapshot(t)

	data, err := snap.Encode()
	require.NoError(t, err)
	decoded, err := riskmodel.DecodeSnapshot(data)
	require.NoError(t, err)

	assert.Equal(t, snap.RunID, decoded.RunID)
	assert.Equal(t, snap.Symbols(), decoded.Symbols())
	assert.Equal(t, snap.Covariance, decoded.Covariance)
	assert.Equal(t, snap.Diagnostics.FactorDates, decoded.Diagnostics.FactorDates)

	weights := map[string]float64{"SYM000": 0.5, "SYM003": 0.5}
	assert.InDelta(t, snap.PortfolioRisk(weights).TotalVariance, decoded.PortfolioRisk(weights).TotalVariance, 1e-15)
}

func TestSnapshot_ActsAsRiskModel(t *testing.T) {
	snap := fittedSnapshot(t)

	cov := snap.CovarianceMatrix()
	assert.Equal(t, len(snap.Symbols()), cov.SymmetricDim())
	requireSymmetricPSD(t, cov)

	d := snap.ExplainRisk(riskmodel.FactorExposure{Symbol: "SYM001", Values: map[string]float64{riskmodel.FactorMarket: 1}})
	assert.Greater(t, d.FactorVariance, 0.0)
	assert.Greater(t, d.SpecificVariance, 1e-6)
}

func TestSnapshotRepository_SaveAndLoad(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "calculations")
	defer cleanup()

	repo := riskmodel.NewSnapshotRepository(db.Conn(), zerolog.Nop())
	snap := fittedSnapshot(t)

	require.NoError(t, repo.Save("key-1", snap, time.Hour))

	byKey, err := repo.GetByKey("key-1")
	require.NoError(t, err)
	assert.Equal(t, snap.RunID, byKey.RunID)

	byRun, err := repo.GetByRunID(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, snap.Covariance, byRun.Covariance)

	_, err = repo.GetByKey("missing")
	assert.ErrorIs(t, err, riskmodel.ErrSnapshotNotFound)
}

func TestSnapshotRepository_ExpiredSnapshotsAreHiddenAndDeleted(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "calculations")
	defer cleanup()

	repo := riskmodel.NewSnapshotRepository(db.Conn(), zerolog.Nop())
	snap := fittedSnapshot(t)
	require.NoError(t, repo.Save("stale", snap, -time.Minute))

	_, err := repo.GetByKey("stale")
	assert.ErrorIs(t, err, riskmodel.ErrSnapshotNotFound)

	job := riskmodel.NewCleanupJob(repo, zerolog.Nop())
	assert.Equal(t, "risk_snapshot_cleanup", job.Name())
	require.NoError(t, job.Run())

	deleted, err := repo.DeleteExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted, "cleanup job already removed the stale row")
}

func TestService_CachesIdenticalFits(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "calculations")
	defer cleanup()

	reg := metrics.NewRegistry()
	svc := riskmodel.NewService(
		riskmodel.DefaultDefaults(),
		riskmodel.DefaultStatisticalConfig(),
		zerolog.Nop(),
		riskmodel.WithRepository(riskmodel.NewSnapshotRepository(db.Conn(), zerolog.Nop())),
		riskmodel.WithMetrics(reg),
	)

	fx := testhelpers.NewPanelFixture(testhelpers.PanelOptions{Symbols: 8, Dates: 260, Factors: twoFactors, Seed: 21})
	req := riskmodel.FitRequest{Factors: twoFactors, Exposures: fx.Exposures, Returns: fx.Returns}

	first, cached, err := svc.FitFactorModel(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, cached)

	second, cached, err := svc.FitFactorModel(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, cached, "identical inputs should hit the snapshot cache")
	assert.Equal(t, first.RunID, second.RunID)

	assert.Equal(t, 1.0, testutil.ToFloat64(reg.SnapshotCache.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.SnapshotCache.WithLabelValues("miss")))

	got, err := svc.Snapshot(first.RunID)
	require.NoError(t, err)
	assert.Equal(t, first.Covariance, got.Covariance)

	_, err = svc.Snapshot("no-such-run")
	assert.ErrorIs(t, err, riskmodel.ErrSnapshotNotFound)
}

func TestService_FitStatisticalWithoutRepository(t *testing.T) {
	svc := riskmodel.NewService(riskmodel.DefaultDefaults(), riskmodel.DefaultStatisticalConfig(), zerolog.Nop())
	fx := testhelpers.NewPanelFixture(testhelpers.PanelOptions{Symbols: 5, Dates: 80, Seed: 22})

	snap, cached, err := svc.FitStatistical(context.Background(), riskmodel.StatisticalFitRequest{
		Returns:         fx.Returns,
		ShrinkageTarget: riskmodel.ShrinkageConstantCorrelation,
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, riskmodel.ModelKindStatistical, snap.Kind)
	assert.False(t, snap.Diagnostics.FallbackUsed)

	got, err := svc.Snapshot(snap.RunID)
	require.NoError(t, err)
	assert.Same(t, snap, got)

	_, _, err = svc.FitStatistical(context.Background(), riskmodel.StatisticalFitRequest{
		Returns:         fx.Returns,
		ShrinkageTarget: "bogus",
	})
	assert.Error(t, err)
}

func TestService_RespectsCancelledContext(t *testing.T) {
	svc := riskmodel.NewService(riskmodel.DefaultDefaults(), riskmodel.DefaultStatisticalConfig(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := svc.FitFactorModel(ctx, riskmodel.FitRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}
