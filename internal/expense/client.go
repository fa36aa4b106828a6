// Package expense is the HTTP client for the external expense-creation
// service. Transient failures (5xx, throttling, timeouts, network) are
// retried with exponential backoff inside one call; authentication and
// validation failures surface immediately.
package expense

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/rezkam/expensabl/internal/core"
)

const createPath = "/api/v1/expenses"

// Payload is the wire shape of a creation request.
type Payload struct {
	MerchantAmount   decimal.Decimal      `json:"merchantAmount"`
	MerchantCurrency string               `json:"merchantCurrency"`
	Date             string               `json:"date"` // YYYY-MM-DD
	Merchant         core.Merchant        `json:"merchant"`
	PolicyType       string               `json:"policyType,omitempty"`
	Details          *core.ExpenseDetails `json:"details,omitempty"`
	ReportingData    map[string]any       `json:"reportingData,omitempty"`
}

// BuildPayload assembles the creation payload from a template's expense
// data for the given calendar date, resolving legacy policy shapes.
func BuildPayload(data core.ExpenseData, date time.Time) Payload {
	return Payload{
		MerchantAmount:   data.MerchantAmount,
		MerchantCurrency: data.MerchantCurrency,
		Date:             date.Format("2006-01-02"),
		Merchant:         data.Merchant,
		PolicyType:       data.ResolvePolicy(),
		Details:          data.Details,
		ReportingData:    data.ReportingData,
	}
}

// Expense is the service's creation response. Some deployments return id,
// others uuid; either identifies the created expense.
type Expense struct {
	ID   string `json:"id"`
	UUID string `json:"uuid"`
}

// ExpenseID returns whichever identifier the service populated.
func (e *Expense) ExpenseID() string {
	if e.ID != "" {
		return e.ID
	}
	return e.UUID
}

// Config configures the client.
type Config struct {
	BaseURL      string
	Timeout      time.Duration // per attempt (default: 30s)
	MaxRetries   int           // attempts including the first (default: 3)
	InitialDelay time.Duration // backoff floor (default: 1s)
	MaxDelay     time.Duration // backoff ceiling (default: 10s)

	// RatePerSecond caps outbound calls. Zero disables the limiter.
	RatePerSecond int
}

// Client calls the expense service.
type Client struct {
	cfg     Config
	tokens  TokenProvider
	http    *http.Client
	limiter *rate.Limiter
}

// Option is a functional option for configuring Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. Used by tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient creates an expense service client.
func NewClient(cfg Config, tokens TokenProvider, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}

	c := &Client{
		cfg:    cfg,
		tokens: tokens,
		http:   &http.Client{},
	}
	if cfg.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RatePerSecond)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateExpense submits the payload and returns the created expense.
// Transient failures are retried up to the configured attempt budget;
// the error of the final attempt is returned.
func (c *Client) CreateExpense(ctx context.Context, payload Payload) (*Expense, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	var created *Expense
	operation := func() error {
		expense, err := c.attempt(ctx, body)
		if err != nil {
			if Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		created = expense
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialDelay
	policy.MaxInterval = c.cfg.MaxDelay
	policy.MaxElapsedTime = 0

	err = backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.cfg.MaxRetries-1)), ctx))
	if err != nil {
		return nil, err
	}
	return created, nil
}

// attempt performs a single HTTP round trip and classifies its outcome.
func (c *Client) attempt(ctx context.Context, body []byte) (*Expense, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &AuthError{Message: err.Error()}
	}
	if token == "" {
		return nil, &AuthError{Message: "no token available"}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		c.cfg.BaseURL+createPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		// The per-attempt deadline firing while the caller's context is
		// still live is a timeout, not a network failure.
		if errors.Is(err, context.DeadlineExceeded) || (callCtx.Err() != nil && ctx.Err() == nil) {
			return nil, &TimeoutError{Err: err}
		}
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var expense Expense
		if err := json.Unmarshal(raw, &expense); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		if expense.ExpenseID() == "" {
			return nil, fmt.Errorf("response carries no expense identifier")
		}
		return &expense, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Message: apiMessage(raw, resp.StatusCode)}

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		var detail struct {
			Field   string `json:"field"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &detail)
		if detail.Message == "" {
			detail.Message = apiMessage(raw, resp.StatusCode)
		}
		return nil, &ValidationError{Field: detail.Field, Message: detail.Message}

	default:
		return nil, &APIError{Status: resp.StatusCode, Message: apiMessage(raw, resp.StatusCode)}
	}
}

func apiMessage(raw []byte, status int) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return http.StatusText(status)
}
