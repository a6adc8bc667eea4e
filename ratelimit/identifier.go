package ratelimit

import (
	"net/http"
	"strings"

	"github.com/nhalm/reqguard/identity"
)

// UnknownIP is used when a request carries no forwarding headers. All such callers share
// one bucket.
const UnknownIP = "unknown"

// Header and cookie names consulted when the identity context is empty.
const (
	HeaderUserID    = "X-User-ID"
	HeaderSessionID = "X-Session-ID"
	HeaderAPIKey    = "X-API-Key"
	CookieSession   = "session_id"
)

// ClientIP returns the first X-Forwarded-For entry, else X-Real-IP, else UnknownIP.
//
// Only trust these headers behind a reverse proxy that sets them; otherwise clients can
// pick their own bucket.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			xff = xff[:idx]
		}
		if ip := strings.TrimSpace(xff); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return UnknownIP
}

// Identify returns the namespaced identifier "<type>:<value>" for r under cfg.
//
// Precedence: the custom extractor when it returns a value, then the type-specific lookup
// (identity context first, then header or cookie), then the client IP.
func Identify(r *http.Request, cfg Config) string {
	if cfg.Identifier != nil {
		if id := cfg.Identifier(r); id != "" {
			return "custom:" + id
		}
	}

	switch cfg.IdentifierType {
	case ByUser:
		if id := userID(r); id != "" {
			return string(ByUser) + ":" + id
		}
	case BySession:
		if id := sessionID(r); id != "" {
			return string(BySession) + ":" + id
		}
	case ByAPIKey:
		if id := apiKey(r); id != "" {
			return string(ByAPIKey) + ":" + id
		}
	}

	return string(ByIP) + ":" + ClientIP(r)
}

func userID(r *http.Request) string {
	if id, ok := identity.UserID(r.Context()); ok {
		return id
	}
	return r.Header.Get(HeaderUserID)
}

func sessionID(r *http.Request) string {
	if id, ok := identity.Session(r.Context()); ok {
		return id
	}
	if c, err := r.Cookie(CookieSession); err == nil && c.Value != "" {
		return c.Value
	}
	return r.Header.Get(HeaderSessionID)
}

func apiKey(r *http.Request) string {
	if key, ok := identity.APIKey(r.Context()); ok {
		return key
	}
	return r.Header.Get(HeaderAPIKey)
}
