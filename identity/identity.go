// Package identity carries the verified caller identity through a request context.
//
// The Identity middleware in the root package fills it in; the rate limiter and the
// idempotency fingerprint read it. Token verification itself happens elsewhere.
package identity

import "context"

type contextKey string

const (
	userIDKey  contextKey = "user_id"
	sessionKey contextKey = "session_id"
	apiKeyKey  contextKey = "api_key"
)

// Anonymous is the identity used for callers without a user, session or API key.
const Anonymous = "anonymous"

// WithUserID returns a context carrying the authenticated user ID.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserID returns the authenticated user ID, if any.
func UserID(ctx context.Context) (string, bool) {
	return lookup(ctx, userIDKey)
}

// WithSession returns a context carrying the session identifier.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey, id)
}

// Session returns the session identifier, if any.
func Session(ctx context.Context) (string, bool) {
	return lookup(ctx, sessionKey)
}

// WithAPIKey returns a context carrying the validated API key.
func WithAPIKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, apiKeyKey, key)
}

// APIKey returns the validated API key, if any.
func APIKey(ctx context.Context) (string, bool) {
	return lookup(ctx, apiKeyKey)
}

// Caller returns the most specific identity in ctx: user, then API key, then session,
// prefixed with its kind. Returns Anonymous when none is present.
func Caller(ctx context.Context) string {
	if id, ok := UserID(ctx); ok {
		return "user:" + id
	}
	if key, ok := APIKey(ctx); ok {
		return "api_key:" + key
	}
	if sid, ok := Session(ctx); ok {
		return "session:" + sid
	}
	return Anonymous
}

func lookup(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
