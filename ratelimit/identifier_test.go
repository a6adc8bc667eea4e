package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nhalm/reqguard/identity"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{name: "first forwarded entry", headers: map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, want: "10.0.0.1"},
		{name: "single forwarded entry", headers: map[string]string{"X-Forwarded-For": " 10.0.0.1 "}, want: "10.0.0.1"},
		{name: "real ip fallback", headers: map[string]string{"X-Real-IP": "10.0.0.3"}, want: "10.0.0.3"},
		{
			name:    "forwarded wins over real ip",
			headers: map[string]string{"X-Forwarded-For": "10.0.0.1", "X-Real-IP": "10.0.0.3"},
			want:    "10.0.0.1",
		},
		{name: "no headers", want: UnknownIP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestIdentify(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		setup func(*http.Request) *http.Request
		want  string
	}{
		{
			name: "ip type",
			cfg:  Config{IdentifierType: ByIP},
			setup: func(r *http.Request) *http.Request {
				r.Header.Set("X-Forwarded-For", "1.2.3.4")
				return r
			},
			want: "ip:1.2.3.4",
		},
		{
			name: "user from identity context",
			cfg:  Config{IdentifierType: ByUser},
			setup: func(r *http.Request) *http.Request {
				r.Header.Set(HeaderUserID, "header-user")
				return r.WithContext(identity.WithUserID(r.Context(), "ctx-user"))
			},
			want: "user:ctx-user",
		},
		{
			name: "user from header",
			cfg:  Config{IdentifierType: ByUser},
			setup: func(r *http.Request) *http.Request {
				r.Header.Set(HeaderUserID, "42")
				return r
			},
			want: "user:42",
		},
		{
			name: "user missing falls back to ip",
			cfg:  Config{IdentifierType: ByUser},
			setup: func(r *http.Request) *http.Request {
				r.Header.Set("X-Real-IP", "5.6.7.8")
				return r
			},
			want: "ip:5.6.7.8",
		},
		{
			name: "session from cookie",
			cfg:  Config{IdentifierType: BySession},
			setup: func(r *http.Request) *http.Request {
				r.AddCookie(&http.Cookie{Name: CookieSession, Value: "s1"})
				r.Header.Set(HeaderSessionID, "s2")
				return r
			},
			want: "session:s1",
		},
		{
			name: "session from header",
			cfg:  Config{IdentifierType: BySession},
			setup: func(r *http.Request) *http.Request {
				r.Header.Set(HeaderSessionID, "s2")
				return r
			},
			want: "session:s2",
		},
		{
			name: "api key from header",
			cfg:  Config{IdentifierType: ByAPIKey},
			setup: func(r *http.Request) *http.Request {
				r.Header.Set(HeaderAPIKey, "k1")
				return r
			},
			want: "api_key:k1",
		},
		{
			name: "custom extractor wins",
			cfg: Config{
				IdentifierType: ByUser,
				Identifier:     func(r *http.Request) string { return r.Header.Get("X-Tenant-ID") },
			},
			setup: func(r *http.Request) *http.Request {
				r.Header.Set("X-Tenant-ID", "acme")
				r.Header.Set(HeaderUserID, "42")
				return r
			},
			want: "custom:acme",
		},
		{
			name: "empty custom extractor falls through",
			cfg: Config{
				IdentifierType: ByUser,
				Identifier:     func(*http.Request) string { return "" },
			},
			setup: func(r *http.Request) *http.Request {
				r.Header.Set(HeaderUserID, "42")
				return r
			},
			want: "user:42",
		},
		{
			name: "unknown ip shares a bucket",
			cfg:  Config{},
			want: "ip:" + UnknownIP,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.setup != nil {
				req = tt.setup(req)
			}
			if got := Identify(req, tt.cfg); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
