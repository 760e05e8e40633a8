package auth

import (
	"context"
	"errors"
)

var (
	ErrMissingToken = errors.New("bearer token is required")
	ErrInvalidToken = errors.New("bearer token is invalid")
	ErrDisabled     = errors.New("token verification is not configured")
)

// Verifier resolves a bearer token to the user id it was issued for.
type Verifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

type contextKey struct{}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserIDFrom returns the authenticated user id or "" for guests.
func UserIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
