// Package di provides dependency injection wiring and initialization.
package di

import (
	"github.com/rs/zerolog"

	"github.com/aristath/factorrisk/internal/database"
	"github.com/aristath/factorrisk/internal/metrics"
	"github.com/aristath/factorrisk/internal/modules/optimization"
	"github.com/aristath/factorrisk/internal/modules/rebalancing"
	"github.com/aristath/factorrisk/internal/modules/riskmodel"
	"github.com/aristath/factorrisk/internal/scheduler"
)

// Container holds every wired dependency of the service
type Container struct {
	// Databases
	CalculationsDB *database.DB

	// Infrastructure
	Metrics   *metrics.Registry
	Scheduler *scheduler.Scheduler

	// Repositories
	SnapshotRepo *riskmodel.SnapshotRepository

	// Services
	OptimizerConfig  optimization.OptimizerConfig
	RiskModelService *riskmodel.Service
	Optimizer        *optimization.OptimizerCore
	RequestOptimizer *optimization.RequestOptimizer
	Runner           *rebalancing.Runner

	log zerolog.Logger
}

// Close stops background jobs and closes the databases
func (c *Container) Close() {
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.CalculationsDB != nil {
		if err := c.CalculationsDB.Close(); err != nil {
			c.log.Error().Err(err).Msg("Failed to close calculations database")
		}
	}
}
