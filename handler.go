package reqguard

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/nhalm/canonlog"
)

// HandlerOption configures the Handler middleware.
type HandlerOption func(*config)

type config struct {
	canonlog       bool
	canonlogFields func(*http.Request) map[string]any
}

// WithCanonlog enables canonical logging for requests.
// One line is flushed per request with method, path, route, status and duration_ms, plus
// the rate_limit_* and idempotency_* fields added by the middleware in this package.
// Errors set via SetError are logged automatically.
func WithCanonlog() HandlerOption {
	return func(c *config) {
		c.canonlog = true
	}
}

// WithCanonlogFields adds custom fields to each log entry.
// Called at request start, before the handler executes.
func WithCanonlogFields(fn func(*http.Request) map[string]any) HandlerOption {
	return func(c *config) {
		c.canonlogFields = fn
	}
}

// Handler returns middleware that holds the response in the request context and writes it
// once the chain returns. It must be the outermost reqguard middleware so the rate limiter
// and idempotency layers can set and replay responses through the context.
//
// A panic in the chain becomes a 500 internal_error response.
func Handler(opts ...HandlerOption) func(http.Handler) http.Handler {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := &State{}
			ctx := context.WithValue(r.Context(), stateKey, state)
			start := time.Now()
			if cfg.canonlog {
				ctx = cfg.beginLog(ctx, r)
			}
			r = r.WithContext(ctx)

			defer func() {
				if rec := recover(); rec != nil {
					SetError(r, ErrInternal)
					if cfg.canonlog {
						canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
					}
				}

				snap := state.snapshot()
				if cfg.canonlog {
					endLog(ctx, snap, time.Since(start))
				}
				writeResponse(w, snap)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func (c *config) beginLog(ctx context.Context, r *http.Request) context.Context {
	ctx = canonlog.NewContext(ctx)
	canonlog.InfoAddMany(ctx, map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
	})
	if c.canonlogFields != nil {
		canonlog.InfoAddMany(ctx, c.canonlogFields(r))
	}
	return ctx
}

// endLog records the outcome and flushes the line. route is only set when a chi pattern
// matched.
func endLog(ctx context.Context, snap snapshot, elapsed time.Duration) {
	status := snap.status
	if snap.err != nil {
		status = snap.err.Status
		canonlog.ErrorAdd(ctx, snap.err)
	}

	fields := map[string]any{
		"status":      status,
		"duration_ms": elapsed.Milliseconds(),
	}
	if rctx := chi.RouteContext(ctx); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			fields["route"] = pattern
		}
	}
	canonlog.InfoAddMany(ctx, fields)
	canonlog.Flush(ctx)
}

// annotate adds fields to the request's canonical log line when one exists.
func annotate(ctx context.Context, fields map[string]any) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAddMany(ctx, fields)
	}
}

func writeResponse(w http.ResponseWriter, snap snapshot) {
	for key, values := range snap.headers {
		w.Header()[key] = values
	}

	switch {
	case snap.err != nil:
		writeJSON(w, snap.err.Status, errorResponse{Error: snap.err})
	case snap.raw != nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(snap.status)
		w.Write(snap.raw)
	case snap.body != nil:
		writeJSON(w, snap.status, snap.body)
	case snap.status != 0:
		w.WriteHeader(snap.status)
	}
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := encodeJSON(v)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal server error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
