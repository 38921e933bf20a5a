package di

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/factorrisk/internal/config"
	"github.com/aristath/factorrisk/internal/database"
)

// InitializeDatabases opens the snapshot database and applies its schema
func InitializeDatabases(container *Container, cfg *config.Config) error {
	// calculations.db - fitted risk model snapshots, safe to lose
	db, err := database.New(database.Config{
		Path:    cfg.DatabasePath(),
		Profile: database.ProfileCache,
		Name:    "calculations",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize calculations database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate calculations database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.HealthCheck(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("calculations database failed integrity check: %w", err)
	}
	container.CalculationsDB = db

	container.log.Info().Str("path", db.Path()).Msg("Calculations database ready")
	return nil
}
