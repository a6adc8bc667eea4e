package main

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nhalm/reqguard"
	"github.com/nhalm/reqguard/internal/config"
	"github.com/nhalm/reqguard/ratelimit"
)

const (
	routeStories = "/api/stories"
	routeStory   = "/api/stories/{id}"
)

func newRouter(cfg *config.Config, d *deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(reqguard.Handler(
		reqguard.WithCanonlog(),
		reqguard.WithCanonlogFields(func(r *http.Request) map[string]any {
			return map[string]any{"request_id": middleware.GetReqID(r.Context())}
		}),
	))

	r.NotFound(func(_ http.ResponseWriter, r *http.Request) {
		reqguard.SetError(r, reqguard.ErrNotFound)
	})

	r.Get("/healthz", func(_ http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := d.ping(ctx); err != nil {
			reqguard.SetError(r, reqguard.ErrServiceUnavailable.With("Backend unreachable"))
			return
		}
		reqguard.SetResponse(r, http.StatusOK, map[string]string{"status": "ok", "backend": string(cfg.Backend)})
	})

	r.Get("/debug/ratelimit/stats", func(_ http.ResponseWriter, r *http.Request) {
		reqguard.SetResponse(r, http.StatusOK, map[string]any{
			"total":   d.stats.Total(),
			"byScope": d.stats.ByScope(),
		})
	})

	idem := reqguard.NewIdempotency(d.guard,
		reqguard.IdempotencyWithHeader(cfg.IdempotencyHeader),
		reqguard.IdempotencyWithMaxBodySize(cfg.MaxBodySize),
	)

	r.Group(func(api chi.Router) {
		api.Use(reqguard.APIKey(func(key string) bool {
			return slices.Contains(cfg.APIKeys, key)
		}, reqguard.WithOptionalCredential()))

		if cfg.GlobalPreset != "" {
			global, _ := ratelimit.Preset(cfg.GlobalPreset)
			api.Use(reqguard.NewRateLimiter(d.limiter, global, reqguard.RateLimitWithName("global")).Handler)
		}

		api.With(routeLimits(cfg, d, http.MethodPost, routeStories)...).
			With(reqguard.MaxBodySize(cfg.MaxBodySize), idem.Handler).
			Post(routeStories, d.stories.create)

		api.With(routeLimits(cfg, d, http.MethodGet, routeStory)...).
			Get(routeStory, d.stories.get)
	})

	return r
}

// routeLimits builds one rate limiter per policy declared for the route. Each limiter is
// named after the route so the same preset on two routes keeps separate windows.
func routeLimits(cfg *config.Config, d *deps, method, route string) []func(http.Handler) http.Handler {
	var mws []func(http.Handler) http.Handler
	for _, p := range cfg.PoliciesFor(method, route) {
		// policies are validated when loaded
		rl, _ := p.RateLimit()
		name := strings.TrimSpace(method + " " + route + " " + rl.Name)
		mws = append(mws, reqguard.NewRateLimiter(d.limiter, rl, reqguard.RateLimitWithName(name)).Handler)
	}
	return mws
}
