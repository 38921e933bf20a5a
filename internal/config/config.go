// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/aristath/factorrisk/internal/modules/riskmodel"
	"github.com/aristath/factorrisk/internal/utils"
)

// Config holds application configuration
type Config struct {
	// DataDir holds the snapshot database and is always absolute
	DataDir string `validate:"required"`

	Port      int    `validate:"gte=1,lte=65535"`
	LogLevel  string `validate:"oneof=debug info warn warning error"`
	LogPretty bool
	DevMode   bool

	// OptimizerConfigPath points at the YAML optimizer constraints; empty means built-in defaults
	OptimizerConfigPath string

	BatchWorkers    int           `validate:"gte=1"`
	SnapshotTTL     time.Duration `validate:"gt=0"`
	CleanupSchedule string        `validate:"required"`
	RequestTimeout  time.Duration `validate:"gt=0"`
	RiskModel       riskmodel.Defaults

	// Factors are the factor columns batch windows fit; empty means the standard set
	Factors []string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("FACTORRISK_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:             absDataDir,
		Port:                getEnvAsInt("GO_PORT", 8001),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogPretty:           getEnvAsBool("LOG_PRETTY", false),
		DevMode:             getEnvAsBool("DEV_MODE", false),
		OptimizerConfigPath: getEnv("OPTIMIZER_CONFIG_PATH", ""),
		BatchWorkers:        getEnvAsInt("BATCH_WORKERS", 4),
		SnapshotTTL:         time.Duration(getEnvAsInt("SNAPSHOT_TTL_HOURS", 24)) * time.Hour,
		CleanupSchedule:     getEnv("SNAPSHOT_CLEANUP_SCHEDULE", "@hourly"),
		RequestTimeout:      time.Duration(getEnvAsInt("REQUEST_TIMEOUT_SECONDS", 60)) * time.Second,
		RiskModel:           loadRiskModelDefaults(),
		Factors:             utils.ParseCSV(getEnv("RISK_FACTORS", "")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadRiskModelDefaults overrides the estimation policy from RISK_* variables
func loadRiskModelDefaults() riskmodel.Defaults {
	d := riskmodel.DefaultDefaults()
	d.MinObservations = getEnvAsInt("RISK_MIN_OBSERVATIONS", d.MinObservations)
	d.BetaWindow = getEnvAsInt("RISK_BETA_WINDOW", d.BetaWindow)
	d.BetaHalfLife = getEnvAsFloat("RISK_BETA_HALF_LIFE", d.BetaHalfLife)
	d.FactorCovLambda = getEnvAsFloat("RISK_FACTOR_LAMBDA", d.FactorCovLambda)
	d.SpecificRiskLambda = getEnvAsFloat("RISK_SPECIFIC_LAMBDA", d.SpecificRiskLambda)
	return d
}

var validate = validator.New()

// Validate checks the configuration for missing or out-of-range values, including the
// nested risk model policy
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(c.Factors) > 0 {
		if err := riskmodel.ValidateFactorNames(c.Factors); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return nil
}

// DatabasePath returns the snapshot database location inside DataDir
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "calculations.db")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
