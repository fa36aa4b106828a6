package config

import (
	"fmt"
	"time"
)

// LimitsConfig carries the quota and size caps. MaxTemplates and
// RetentionDays are passed to the manager and MaxHistory to the store.
// MaxNameLen, MaxTags and MaxTagLen are loaded but not passed on: the
// validator always applies its built-in caps (100, 10 and 30).
type LimitsConfig struct {
	MaxTemplates int `env:"EXPENSABL_MAX_TEMPLATES" default:"5"`
	MaxNameLen   int `env:"EXPENSABL_MAX_NAME_LEN" default:"100"`
	MaxTags      int `env:"EXPENSABL_MAX_TAGS" default:"10"`
	MaxTagLen    int `env:"EXPENSABL_MAX_TAG_LEN" default:"30"`
	MaxHistory   int `env:"EXPENSABL_MAX_HISTORY" default:"100"`

	RetentionDays int `env:"EXPENSABL_RETENTION_DAYS" default:"90"`
}

// Validate validates the limits configuration.
func (c *LimitsConfig) Validate() error {
	if c.MaxTemplates < 1 {
		return fmt.Errorf("EXPENSABL_MAX_TEMPLATES must be at least 1, got %d", c.MaxTemplates)
	}
	if c.MaxHistory < 1 {
		return fmt.Errorf("EXPENSABL_MAX_HISTORY must be at least 1, got %d", c.MaxHistory)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("EXPENSABL_RETENTION_DAYS must be at least 1, got %d", c.RetentionDays)
	}
	return nil
}

// SchedulerConfig configures the scheduling engine.
type SchedulerConfig struct {
	// DedupWindow suppresses duplicate timer callbacks for the same
	// template within this interval.
	DedupWindow time.Duration `env:"EXPENSABL_DEDUP_WINDOW" default:"30s"`

	// Timezone is the IANA zone used for wall-clock calendar math.
	// Empty means the host zone.
	Timezone string `env:"EXPENSABL_TIMEZONE"`

	// CleanupInterval is how often the daemon prunes old history when
	// auto-cleanup is enabled in preferences.
	CleanupInterval time.Duration `env:"EXPENSABL_CLEANUP_INTERVAL" default:"24h"`
}

// Validate validates the scheduler configuration.
func (c *SchedulerConfig) Validate() error {
	if c.DedupWindow <= 0 {
		return fmt.Errorf("EXPENSABL_DEDUP_WINDOW must be positive, got %s", c.DedupWindow)
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("invalid EXPENSABL_TIMEZONE %q: %w", c.Timezone, err)
		}
	}
	return nil
}

// Location resolves the configured timezone, falling back to the host
// zone.
func (c *SchedulerConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
