package forwarding

import "context"

// TokenSource supplies the bearer token for outbound calls. An empty token
// sends no Authorization header.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken always returns the same token
type StaticToken string

// Token implements TokenSource
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}
