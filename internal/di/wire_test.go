package di

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/factorrisk/internal/config"
	"github.com/aristath/factorrisk/internal/modules/optimization"
	"github.com/aristath/factorrisk/internal/modules/riskmodel"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:         t.TempDir(),
		Port:            8001,
		LogLevel:        "info",
		BatchWorkers:    2,
		SnapshotTTL:     time.Hour,
		CleanupSchedule: "@hourly",
		RequestTimeout:  time.Minute,
		RiskModel:       riskmodel.DefaultDefaults(),
	}
}

func TestWire_BuildsContainer(t *testing.T) {
	container, err := Wire(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer container.Close()

	assert.NotNil(t, container.CalculationsDB)
	assert.NotNil(t, container.Metrics)
	assert.NotNil(t, container.Scheduler)
	assert.NotNil(t, container.SnapshotRepo)
	assert.NotNil(t, container.RiskModelService)
	assert.NotNil(t, container.Optimizer)
	assert.NotNil(t, container.RequestOptimizer)
	assert.NotNil(t, container.Runner)
	assert.Equal(t, optimization.DefaultOptimizerConfig(), container.OptimizerConfig)

	_, err = container.SnapshotRepo.DeleteExpired()
	assert.NoError(t, err, "the snapshot table exists after migration")
}

func TestWire_MissingOptimizerConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.OptimizerConfigPath = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := Wire(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "optimizer config")
}

func TestWire_InvalidCleanupSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.CleanupSchedule = "sometimes"

	_, err := Wire(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshot cleanup")
}
