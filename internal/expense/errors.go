package expense

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rezkam/expensabl/internal/core"
)

// APIError is a non-2xx response from the expense service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("expense api returned %d: %s", e.Status, e.Message)
}

// AuthError indicates a missing or rejected token. Never retried.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

func (e *AuthError) Unwrap() error { return core.ErrAuth }

// ValidationError indicates the service rejected the payload. Never
// retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("payload rejected (field %s): %s", e.Field, e.Message)
	}
	return fmt.Sprintf("payload rejected: %s", e.Message)
}

// TimeoutError indicates the per-call deadline elapsed.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("expense api call timed out: %v", e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// NetworkError indicates the request never produced a response.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("expense api unreachable: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt can succeed: server errors,
// throttling, timeouts, and network failures qualify; authentication and
// validation failures do not.
func Retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError ||
			apiErr.Status == http.StatusTooManyRequests
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}

	var netErr *NetworkError
	return errors.As(err, &netErr)
}
