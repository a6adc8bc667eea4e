// Rate limiting middleware for chi and standard http.Handler.
//
// The middleware attributes each request to an identifier (custom extractor, then user,
// session or API key, then client IP), checks it against a ratelimit.Limiter and either
// lets the request through with X-RateLimit-* headers or rejects it with 429.
//
//	st := store.NewMemory()
//	defer st.Close()
//	limiter := ratelimit.New(st)
//
//	r.Use(reqguard.Handler())
//	r.Use(reqguard.NewRateLimiter(limiter, ratelimit.Standard).Handler)
//
// Rejections carry Retry-After and the body {"error":"Too Many Requests","retryAfter":N}.
// For distributed deployments use the Redis store; the memory store limits per process.

package reqguard

import (
	"net/http"
	"strconv"

	"github.com/nhalm/reqguard/ratelimit"
)

// RateLimitHeaderMode controls when rate limit headers are included in responses.
type RateLimitHeaderMode int

const (
	// RateLimitHeadersAlways includes rate limit headers on all responses (default).
	// Headers: X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset
	// On 429: also Retry-After
	RateLimitHeadersAlways RateLimitHeaderMode = iota

	// RateLimitHeadersOnLimitExceeded includes rate limit headers only on 429 responses.
	RateLimitHeadersOnLimitExceeded

	// RateLimitHeadersNever never includes rate limit headers. Retry-After is still sent
	// on 429 so clients know when to come back.
	RateLimitHeadersNever
)

// RateLimitExceededBody is the JSON body of a 429 response.
type RateLimitExceededBody struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retryAfter"`
}

// RateLimiter implements rate limiting middleware.
type RateLimiter struct {
	limiter    *ratelimit.Limiter
	cfg        ratelimit.Config
	headerMode RateLimitHeaderMode
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// RateLimitWithHeaderMode configures when rate limit headers are included in responses.
func RateLimitWithHeaderMode(mode RateLimitHeaderMode) RateLimitOption {
	return func(l *RateLimiter) {
		l.headerMode = mode
	}
}

// RateLimitWithName sets the limit name, which namespaces store keys and labels metrics.
// Use it to keep layered limiters with the same window from sharing a log.
func RateLimitWithName(name string) RateLimitOption {
	return func(l *RateLimiter) {
		l.cfg.Name = name
	}
}

// RateLimitWithIdentifier sets a custom identifier extractor. A non-empty value wins over
// the configured identifier type.
func RateLimitWithIdentifier(fn func(*http.Request) string) RateLimitOption {
	return func(l *RateLimiter) {
		l.cfg.Identifier = fn
	}
}

// NewRateLimiter creates rate limiting middleware enforcing cfg through limiter.
// Returns 429 (Too Many Requests) when the limit is exceeded and 500 (Internal Server
// Error) if the store fails.
//
// Panics if cfg is invalid; limits are static configuration and a bad one is a
// programming error.
func NewRateLimiter(limiter *ratelimit.Limiter, cfg ratelimit.Config, opts ...RateLimitOption) *RateLimiter {
	l := &RateLimiter{
		limiter:    limiter,
		cfg:        cfg,
		headerMode: RateLimitHeadersAlways,
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.cfg.Validate(); err != nil {
		panic(err.Error())
	}
	return l
}

// Handler returns the rate limiting middleware.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		useWrapper := HasState(ctx)

		identifier := ratelimit.Identify(r, l.cfg)
		res, err := l.limiter.Check(ctx, identifier, l.cfg)
		if err != nil {
			annotate(ctx, map[string]any{"rate_limit_identifier": identifier, "rate_limit_error": err.Error()})
			if useWrapper {
				SetError(r, ErrInternal.With("Rate limit check failed"))
			} else {
				http.Error(w, "Rate limit check failed", http.StatusInternalServerError)
			}
			return
		}

		annotate(ctx, map[string]any{
			"rate_limit_identifier": identifier,
			"rate_limited":          !res.Success,
			"rate_limit_remaining":  res.Remaining,
		})

		headers := ratelimit.Headers(res)
		switch {
		case l.headerMode == RateLimitHeadersAlways:
		case l.headerMode == RateLimitHeadersOnLimitExceeded && !res.Success:
		case !res.Success:
			headers = http.Header{ratelimit.HeaderRetryAfter: headers[ratelimit.HeaderRetryAfter]}
		default:
			headers = nil
		}
		setHeaders(w, r, headers)

		if res.Success {
			next.ServeHTTP(w, r)
			return
		}

		body := RateLimitExceededBody{
			Error:      http.StatusText(http.StatusTooManyRequests),
			RetryAfter: res.RetryAfterSeconds(),
		}
		if useWrapper {
			SetResponse(r, http.StatusTooManyRequests, body)
			return
		}
		writeJSON(w, http.StatusTooManyRequests, body)
	})
}

// retryAfterHeader formats whole seconds for the Retry-After header.
func retryAfterHeader(seconds int64) string {
	return strconv.FormatInt(seconds, 10)
}
