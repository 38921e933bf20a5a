package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/factorrisk/internal/modules/riskmodel"
)

func TestLoad_Defaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	t.Setenv("FACTORRISK_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.DirExists(t, dir)
	assert.Equal(t, 8001, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.BatchWorkers)
	assert.Equal(t, 24*time.Hour, cfg.SnapshotTTL)
	assert.Equal(t, "@hourly", cfg.CleanupSchedule)
	assert.Equal(t, riskmodel.DefaultDefaults(), cfg.RiskModel)
	assert.Equal(t, filepath.Join(dir, "calculations.db"), cfg.DatabasePath())
}

func TestLoad_RiskModelOverrides(t *testing.T) {
	t.Setenv("FACTORRISK_DATA_DIR", t.TempDir())
	t.Setenv("RISK_MIN_OBSERVATIONS", "120")
	t.Setenv("RISK_BETA_HALF_LIFE", "30")
	t.Setenv("RISK_FACTOR_LAMBDA", "0.97")
	t.Setenv("BATCH_WORKERS", "not-a-number")
	t.Setenv("RISK_FACTORS", "R_MKT, R_SIZE")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 120, cfg.RiskModel.MinObservations)
	assert.Equal(t, 30.0, cfg.RiskModel.BetaHalfLife)
	assert.Equal(t, 0.97, cfg.RiskModel.FactorCovLambda)
	assert.Equal(t, 4, cfg.BatchWorkers, "unparsable values keep the default")
	assert.Equal(t, []string{"R_MKT", "R_SIZE"}, cfg.Factors)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Setenv("FACTORRISK_DATA_DIR", t.TempDir())

	t.Run("lambda out of range", func(t *testing.T) {
		t.Setenv("RISK_SPECIFIC_LAMBDA", "1.5")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("unknown log level", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "loud")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("unknown factor", func(t *testing.T) {
		t.Setenv("RISK_FACTORS", "R_MKT,R_ASTROLOGY")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("zero workers", func(t *testing.T) {
		t.Setenv("BATCH_WORKERS", "0")
		_, err := Load()
		assert.Error(t, err)
	})
}
