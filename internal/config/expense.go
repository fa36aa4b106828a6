package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrBaseURLRequired is returned when the expense API base URL is missing.
var ErrBaseURLRequired = errors.New("EXPENSABL_API_BASE_URL is required")

// ExpenseAPIConfig configures the outbound expense-creation client.
type ExpenseAPIConfig struct {
	BaseURL string `env:"EXPENSABL_API_BASE_URL"`

	// Token authenticates against the expense service. Deployments with a
	// token broker can swap the provider in code instead.
	Token string `env:"EXPENSABL_API_TOKEN"`

	Timeout      time.Duration `env:"EXPENSABL_HTTP_TIMEOUT" default:"30s"`
	MaxRetries   int           `env:"EXPENSABL_HTTP_MAX_RETRIES" default:"3"`
	InitialDelay time.Duration `env:"EXPENSABL_HTTP_INITIAL_DELAY" default:"1s"`
	MaxDelay     time.Duration `env:"EXPENSABL_HTTP_MAX_DELAY" default:"10s"`

	// RatePerSecond caps outbound createExpense calls. Zero disables the
	// limiter.
	RatePerSecond int `env:"EXPENSABL_API_RATE_PER_SECOND"`
}

// Validate validates the expense API configuration.
func (c *ExpenseAPIConfig) Validate() error {
	if c.BaseURL == "" {
		return ErrBaseURLRequired
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("EXPENSABL_HTTP_TIMEOUT must be positive, got %s", c.Timeout)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("EXPENSABL_HTTP_MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.InitialDelay <= 0 || c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("invalid backoff bounds: initial %s, max %s", c.InitialDelay, c.MaxDelay)
	}
	return nil
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTelEnabled bool `env:"EXPENSABL_OTEL_ENABLED" default:"true"`
}
