// Package ratelimit implements a sliding-window log admission controller.
//
// Each identifier (an IP address, user, session or API key) keeps the timestamps of its
// accepted requests. A request is admitted when fewer than Limit of them fall inside the
// trailing Window; otherwise it is rejected with the time until the oldest one ages out.
// Rejection is a normal Result, not an error.
//
// Basic usage:
//
//	st := store.NewMemory()
//	defer st.Close()
//	limiter := ratelimit.New(st)
//
//	res, err := limiter.Check(ctx, ratelimit.ClientIP(r), ratelimit.Standard)
//	if err != nil {
//		// store failure
//	}
//	if !res.Success {
//		// reject, res.RetryAfterSeconds() tells the client when to come back
//	}
//
// The HTTP middleware lives in the root reqguard package. For multi-instance deployments
// use the Redis store; the memory store only limits within one process.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/nhalm/reqguard/clock"
	"github.com/nhalm/reqguard/metrics"
)

// Store keeps the per-key request log. Admit must filter, count and append as one atomic
// step so concurrent requests for the same key cannot both take the last slot.
type Store interface {
	// Admit records a request at now for key if fewer than limit requests fall within
	// [now-window, now]. Before filtering, a window anchor at least one full window old is
	// moved to now; the request log itself is only ever trimmed by the filter.
	Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (Window, error)

	// Reset removes all state for key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// Window is the state of one key after an Admit call.
type Window struct {
	// Allowed is true when the request was admitted and recorded.
	Allowed bool
	// Count is the number of requests in the window, including this one when allowed.
	Count int64
	// Start is the window anchor.
	Start time.Time
	// Oldest is the earliest request still in the window. Zero when the window is empty.
	Oldest time.Time
}

// Result is the outcome of a Check.
type Result struct {
	Success   bool
	Limit     int64
	Remaining int64
	// ResetAt is the window anchor plus the window length. It is an upper bound on when
	// the window fully clears.
	ResetAt time.Time
	// RetryAfter is set on rejection: the time until the oldest request in the window
	// ages out, rounded up to whole seconds and at least one second.
	RetryAfter time.Duration
}

// RetryAfterSeconds returns RetryAfter in whole seconds.
func (r Result) RetryAfterSeconds() int64 {
	return int64(r.RetryAfter / time.Second)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithLogger sets the logger used for limit-exceeded warnings.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithRecorder sets the metrics sink for admission decisions.
func WithRecorder(r metrics.Recorder) Option {
	return func(l *Limiter) { l.recorder = r }
}

// Limiter checks requests against a Store.
type Limiter struct {
	store    Store
	clock    clock.Clock
	logger   logrus.FieldLogger
	recorder metrics.Recorder
	warn     *rate.Sometimes
}

// New creates a Limiter backed by st.
func New(st Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:    st,
		clock:    clock.Real{},
		logger:   logrus.StandardLogger(),
		recorder: metrics.Nop{},
		warn:     &rate.Sometimes{First: 10, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check records a request for identifier under cfg and reports whether it is admitted.
// An invalid cfg or a store failure is returned as an error.
func (l *Limiter) Check(ctx context.Context, identifier string, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	now := l.clock.Now()
	limit := int64(cfg.Limit)

	w, err := l.store.Admit(ctx, StoreKey(cfg.Name, identifier, cfg.Window), now, cfg.Window, limit)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: admit %s: %w", identifier, err)
	}

	res := Result{
		Success: w.Allowed,
		Limit:   limit,
		ResetAt: w.Start.Add(cfg.Window),
	}

	if w.Allowed {
		res.Remaining = max(0, limit-w.Count)
		l.record(ctx, metrics.RateLimitAllowed, identifier, cfg.Name, now)
		return res, nil
	}

	res.RetryAfter = retryAfter(w.Oldest.Add(cfg.Window).Sub(now))
	l.record(ctx, metrics.RateLimitDenied, identifier, cfg.Name, now)
	l.warn.Do(func() {
		l.logger.WithFields(logrus.Fields{
			"identifier":  identifier,
			"limit":       limit,
			"window":      cfg.Window.String(),
			"retry_after": res.RetryAfterSeconds(),
		}).Warn("rate limit exceeded")
	})
	return res, nil
}

// Reset clears the request log of identifier under cfg.
func (l *Limiter) Reset(ctx context.Context, identifier string, cfg Config) error {
	if err := l.store.Reset(ctx, StoreKey(cfg.Name, identifier, cfg.Window)); err != nil {
		return fmt.Errorf("ratelimit: reset %s: %w", identifier, err)
	}
	return nil
}

// StoreKey builds the store key "<identifier>:<window in milliseconds>", prefixed with
// "<name>:" when a name is set. Limits with different windows never share a log.
func StoreKey(name, identifier string, window time.Duration) string {
	ms := strconv.FormatInt(window.Milliseconds(), 10)
	var sb strings.Builder
	sb.Grow(len(name) + 1 + len(identifier) + 1 + len(ms))
	if name != "" {
		sb.WriteString(name)
		sb.WriteByte(':')
	}
	sb.WriteString(identifier)
	sb.WriteByte(':')
	sb.WriteString(ms)
	return sb.String()
}

func retryAfter(d time.Duration) time.Duration {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

func (l *Limiter) record(ctx context.Context, kind metrics.Kind, identifier, scope string, now time.Time) {
	ev := metrics.Event{Kind: kind, Key: identifier, Scope: scope, At: now}
	if err := l.recorder.Record(ctx, ev); err != nil {
		l.logger.WithError(err).Debug("failed to record rate limit metric")
	}
}
