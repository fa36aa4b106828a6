package expense

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/expensabl/internal/core"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(Config{
		BaseURL:      server.URL,
		Timeout:      2 * time.Second,
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}, StaticTokenProvider("tok-123"))
}

func testPayload() Payload {
	return BuildPayload(core.ExpenseData{
		Merchant:         core.Merchant{Name: "Acme"},
		MerchantAmount:   decimal.NewFromFloat(9.99),
		MerchantCurrency: "USD",
	}, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))
}

func TestCreateExpenseSuccess(t *testing.T) {
	var gotAuth string
	var gotBody Payload

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"exp-1"}`))
	})

	expense, err := client.CreateExpense(context.Background(), testPayload())
	require.NoError(t, err)
	assert.Equal(t, "exp-1", expense.ExpenseID())
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "2025-08-01", gotBody.Date)
	assert.Equal(t, "Acme", gotBody.Merchant.Name)
}

func TestCreateExpenseAcceptsUUID(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"uuid":"u-42"}`))
	})

	expense, err := client.CreateExpense(context.Background(), testPayload())
	require.NoError(t, err)
	assert.Equal(t, "u-42", expense.ExpenseID())
}

func TestCreateExpenseRetriesServerErrors(t *testing.T) {
	calls := 0
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"id":"exp-2"}`))
	})

	expense, err := client.CreateExpense(context.Background(), testPayload())
	require.NoError(t, err)
	assert.Equal(t, "exp-2", expense.ExpenseID())
	assert.Equal(t, 3, calls)
}

func TestCreateExpenseRetriesThrottling(t *testing.T) {
	calls := 0
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"id":"exp-3"}`))
	})

	_, err := client.CreateExpense(context.Background(), testPayload())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCreateExpenseExhaustsRetries(t *testing.T) {
	calls := 0
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.CreateExpense(context.Background(), testPayload())
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
}

func TestCreateExpenseDoesNotRetryAuthFailure(t *testing.T) {
	calls := 0
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.CreateExpense(context.Background(), testPayload())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.ErrorIs(t, err, core.ErrAuth)
	assert.Equal(t, 1, calls)
}

func TestCreateExpenseDoesNotRetryValidationFailure(t *testing.T) {
	calls := 0
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"field":"merchantAmount","message":"must be positive"}`))
	})

	_, err := client.CreateExpense(context.Background(), testPayload())
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "merchantAmount", valErr.Field)
	assert.Equal(t, 1, calls)
}

func TestCreateExpenseMissingToken(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	t.Cleanup(server.Close)

	client := NewClient(Config{
		BaseURL:      server.URL,
		InitialDelay: time.Millisecond,
	}, StaticTokenProvider(""))

	_, err := client.CreateExpense(context.Background(), testPayload())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Zero(t, calls)
}

func TestCreateExpenseNetworkErrorRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listens any more

	client := NewClient(Config{
		BaseURL:      server.URL,
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	}, StaticTokenProvider("tok"))

	_, err := client.CreateExpense(context.Background(), testPayload())
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
}

func TestBuildPayloadPolicyMapping(t *testing.T) {
	base := core.ExpenseData{
		Merchant:         core.Merchant{Name: "Acme"},
		MerchantAmount:   decimal.NewFromInt(5),
		MerchantCurrency: "EUR",
	}
	date := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

	t.Run("policy object id wins", func(t *testing.T) {
		data := base
		data.Policy = json.RawMessage(`{"id":"pol-obj"}`)
		data.PolicyType = "pol-type"
		assert.Equal(t, "pol-obj", BuildPayload(data, date).PolicyType)
	})

	t.Run("policy type when no object id", func(t *testing.T) {
		data := base
		data.PolicyType = "pol-type"
		assert.Equal(t, "pol-type", BuildPayload(data, date).PolicyType)
	})

	t.Run("bare policy string as fallback", func(t *testing.T) {
		data := base
		data.Policy = json.RawMessage(`"pol-str"`)
		assert.Equal(t, "pol-str", BuildPayload(data, date).PolicyType)
	})

	t.Run("empty when nothing set", func(t *testing.T) {
		assert.Empty(t, BuildPayload(base, date).PolicyType)
	})
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, Retryable(&APIError{Status: 500}))
	assert.True(t, Retryable(&APIError{Status: 503}))
	assert.True(t, Retryable(&APIError{Status: 429}))
	assert.True(t, Retryable(&TimeoutError{}))
	assert.True(t, Retryable(&NetworkError{}))
	assert.False(t, Retryable(&APIError{Status: 404}))
	assert.False(t, Retryable(&AuthError{}))
	assert.False(t, Retryable(&ValidationError{}))
}
