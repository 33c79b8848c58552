package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// ContextKeyUserID is the context key for the authenticated user id
const ContextKeyUserID contextKey = "user_id"

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// WithUserID adds the user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextKeyUserID, userID)
}

// UserIDFromContext retrieves the user ID from the context
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ContextKeyUserID).(string)
	return id, ok && id != ""
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

// Authenticate resolves the request's bearer token and returns a context
// carrying the user id.
func Authenticate(r *http.Request, v TokenValidator) (context.Context, error) {
	token, err := BearerToken(r)
	if err != nil {
		return nil, err
	}
	userID, err := v.ValidateToken(r.Context(), token)
	if err != nil {
		return nil, err
	}
	return WithUserID(r.Context(), userID), nil
}
