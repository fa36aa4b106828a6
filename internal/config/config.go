// Package config defines the typed configuration for the scheduler daemon.
// Values are loaded from EXPENSABL_-prefixed environment variables via the
// env package; each section validates itself after loading.
package config

import (
	"fmt"

	"github.com/rezkam/expensabl/internal/env"
)

// Config holds the full daemon configuration.
type Config struct {
	Env string `env:"EXPENSABL_ENV" default:"dev"` // dev, prod

	Storage       StorageConfig
	Limits        LimitsConfig
	Scheduler     SchedulerConfig
	ExpenseAPI    ExpenseAPIConfig
	Observability ObservabilityConfig
}

// Load parses environment variables into a Config struct and validates
// every section.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}
