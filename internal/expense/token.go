package expense

import "context"

// TokenProvider supplies the bearer token for expense API calls. An empty
// token is a non-retryable authentication failure.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenProvider returns a fixed token.
type StaticTokenProvider string

// Token implements TokenProvider.
func (p StaticTokenProvider) Token(ctx context.Context) (string, error) {
	return string(p), nil
}
