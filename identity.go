// Caller identity middleware.
//
// These middleware verify a credential with an application-supplied function and record
// the resulting identity with the identity package, where the rate limiter and the
// idempotency fingerprint pick it up. Token signing and verification stay with the
// application; reqguard only carries the outcome.

package reqguard

import (
	"net/http"
	"strings"

	"github.com/nhalm/reqguard/identity"
	"github.com/nhalm/reqguard/ratelimit"
)

// APIKeyValidator reports whether an API key is valid.
//
// Thread safety: validators are called concurrently and must be safe for concurrent use.
type APIKeyValidator func(key string) bool

// BearerTokenResolver verifies a bearer token and returns the user it belongs to.
//
// Thread safety: resolvers are called concurrently and must be safe for concurrent use.
type BearerTokenResolver func(token string) (userID string, ok bool)

// SessionValidator reports whether a session identifier is live.
type SessionValidator func(sessionID string) bool

type credentialConfig struct {
	name     string
	optional bool
}

// CredentialOption configures the identity middleware.
type CredentialOption func(*credentialConfig)

// WithCredentialName overrides the header (APIKey) or cookie (Session) name.
func WithCredentialName(name string) CredentialOption {
	return func(c *credentialConfig) {
		c.name = name
	}
}

// WithOptionalCredential lets requests without the credential through anonymously.
// A credential that is present but invalid is still rejected.
func WithOptionalCredential() CredentialOption {
	return func(c *credentialConfig) {
		c.optional = true
	}
}

func newCredentialConfig(defaultName string, opts []CredentialOption) credentialConfig {
	cfg := credentialConfig{name: defaultName}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	if HasState(r.Context()) {
		SetError(r, ErrUnauthorized.With(msg))
		return
	}
	http.Error(w, msg, http.StatusUnauthorized)
}

// APIKey returns middleware that validates an API key header (default X-API-Key) and
// records it as the caller identity. Returns 401 if the key is missing (unless optional)
// or invalid.
//
//	r.Use(reqguard.APIKey(func(key string) bool { return keys.Valid(key) }))
func APIKey(validator APIKeyValidator, opts ...CredentialOption) func(http.Handler) http.Handler {
	cfg := newCredentialConfig(ratelimit.HeaderAPIKey, opts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(cfg.name)
			if key == "" {
				if cfg.optional {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w, r, "Missing API key")
				return
			}

			if !validator(key) {
				unauthorized(w, r, "Invalid API key")
				return
			}

			ctx := identity.WithAPIKey(r.Context(), key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken returns middleware that resolves "Authorization: Bearer <token>" to a user
// ID and records it as the caller identity. Returns 401 if the header is missing (unless
// optional), malformed or rejected by the resolver.
func BearerToken(resolver BearerTokenResolver, opts ...CredentialOption) func(http.Handler) http.Handler {
	cfg := newCredentialConfig("Authorization", opts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get(cfg.name)
			if auth == "" {
				if cfg.optional {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w, r, "Missing authorization header")
				return
			}

			// RFC 7235: the scheme is case-insensitive
			if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
				unauthorized(w, r, "Invalid authorization format")
				return
			}

			token := strings.TrimSpace(auth[7:])
			if token == "" {
				unauthorized(w, r, "Empty bearer token")
				return
			}

			userID, ok := resolver(token)
			if !ok || userID == "" {
				unauthorized(w, r, "Invalid bearer token")
				return
			}

			ctx := identity.WithUserID(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Session returns middleware that validates the session cookie (default session_id) and
// records it as the caller identity. Returns 401 if the cookie is missing (unless
// optional) or the session is not live.
func Session(validator SessionValidator, opts ...CredentialOption) func(http.Handler) http.Handler {
	cfg := newCredentialConfig(ratelimit.CookieSession, opts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := r.Cookie(cfg.name)
			if err != nil || c.Value == "" {
				if cfg.optional {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w, r, "Missing session")
				return
			}

			if !validator(c.Value) {
				unauthorized(w, r, "Invalid session")
				return
			}

			ctx := identity.WithSession(r.Context(), c.Value)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
