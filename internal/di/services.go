package di

import (
	"fmt"

	"github.com/aristath/factorrisk/internal/config"
	"github.com/aristath/factorrisk/internal/modules/optimization"
	"github.com/aristath/factorrisk/internal/modules/rebalancing"
	"github.com/aristath/factorrisk/internal/modules/riskmodel"
)

// InitializeServices creates the repositories and domain services
func InitializeServices(container *Container, cfg *config.Config) error {
	log := container.log

	optCfg, err := optimization.LoadOptimizerConfig(cfg.OptimizerConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load optimizer config: %w", err)
	}
	container.OptimizerConfig = optCfg

	container.SnapshotRepo = riskmodel.NewSnapshotRepository(container.CalculationsDB.Conn(), log)
	container.RiskModelService = riskmodel.NewService(
		cfg.RiskModel,
		riskmodel.DefaultStatisticalConfig(),
		log,
		riskmodel.WithRepository(container.SnapshotRepo),
		riskmodel.WithMetrics(container.Metrics),
		riskmodel.WithTTL(cfg.SnapshotTTL),
	)

	container.Optimizer = optimization.NewOptimizerCore(optCfg, log, optimization.WithMetrics(container.Metrics))
	container.RequestOptimizer = optimization.NewRequestOptimizer(nil, log)
	container.RequestOptimizer.SetMetrics(container.Metrics)

	runner, err := rebalancing.NewRunner(
		cfg.Factors,
		cfg.RiskModel,
		optCfg,
		log,
		rebalancing.WithWorkers(cfg.BatchWorkers),
		rebalancing.WithMetrics(container.Metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize rebalancing runner: %w", err)
	}
	container.Runner = runner

	log.Info().
		Int("batch_workers", cfg.BatchWorkers).
		Dur("snapshot_ttl", cfg.SnapshotTTL).
		Msg("Services initialized")
	return nil
}
