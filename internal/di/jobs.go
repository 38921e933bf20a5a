package di

import (
	"fmt"

	"github.com/aristath/factorrisk/internal/config"
	"github.com/aristath/factorrisk/internal/modules/riskmodel"
	"github.com/aristath/factorrisk/internal/scheduler"
)

// RegisterJobs schedules background maintenance. The scheduler is not started here.
func RegisterJobs(container *Container, cfg *config.Config) error {
	container.Scheduler = scheduler.New(container.log)

	cleanup := riskmodel.NewCleanupJob(container.SnapshotRepo, container.log)
	if err := container.Scheduler.AddJob(cfg.CleanupSchedule, cleanup); err != nil {
		return fmt.Errorf("failed to register snapshot cleanup: %w", err)
	}
	return nil
}
