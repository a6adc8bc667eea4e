// Package idempotency guarantees at-most-once execution of operations submitted with a
// client-supplied idempotency key.
//
// A Guard wraps an operation. The first request for a key runs it and stores the result;
// retries with the same key and the same fingerprint get the stored result back without
// running the operation again. Reusing a key for a different request is a client error
// (ErrKeyConflict), and a retry that arrives while the first attempt is still running is
// told to come back later (ErrConcurrentRequest) rather than blocked.
//
// Basic usage:
//
//	st := store.NewIdempotencyMemory[Receipt]()
//	defer st.Close()
//	guard := idempotency.NewGuard[Receipt](st, idempotency.WithTTL(time.Hour))
//
//	out, err := guard.Do(ctx, key, idempotency.Fingerprint(body, caller),
//		func(ctx context.Context) (Receipt, int, error) {
//			return charge(ctx, req)
//		})
//
// Failed operations are never stored, so a genuine retry executes again.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/nhalm/reqguard/clock"
	"github.com/nhalm/reqguard/metrics"
)

var (
	// ErrKeyConflict is returned when a key is reused with a different fingerprint.
	ErrKeyConflict = errors.New("idempotency key reused with a different request")

	// ErrConcurrentRequest is returned when another request holding the same key is
	// still executing. Callers should back off and retry.
	ErrConcurrentRequest = errors.New("request with this idempotency key is already in progress")
)

// DefaultTTL is how long a completed result is replayed when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// Record is the stored result of the first successful execution for a key.
// Records are write-once and valid within [CreatedAt, ExpiresAt).
type Record[T any] struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	Response    T         `json:"response"`
	StatusCode  int       `json:"status_code"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the record is no longer valid at now.
func (r *Record[T]) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store persists records and the in-flight marker set.
// Implementations must be safe for concurrent use, and StartProcessing must be a single
// atomic check-and-insert.
type Store[T any] interface {
	// Get returns the live record for key, or nil when absent or expired.
	Get(ctx context.Context, key string) (*Record[T], error)

	// Set stores rec under rec.Key. A live record already stored under the key is kept.
	Set(ctx context.Context, rec Record[T]) error

	// StartProcessing marks key as in flight, owned by token. Returns false if it
	// already was.
	StartProcessing(ctx context.Context, key, token string) (bool, error)

	// FinishProcessing clears the in-flight marker for key if token still owns it.
	// A marker that expired and was taken by another attempt is left alone.
	FinishProcessing(ctx context.Context, key, token string) error
}

// Outcome is the result handed back to the caller of Guard.Do.
type Outcome[T any] struct {
	Response   T
	StatusCode int
	// Cached is true when Response was replayed from the store.
	Cached bool
}

// Operation is the work protected by the guard. It returns the response, a status code
// and an error. A non-nil error means the attempt failed and nothing is stored.
type Operation[T any] func(ctx context.Context) (T, int, error)

// Option configures a Guard.
type Option func(*options)

type options struct {
	ttl       time.Duration
	clock     clock.Clock
	logger    logrus.FieldLogger
	recorder  metrics.Recorder
	cacheable func(status int) bool
}

// WithTTL sets how long completed results are replayed (default DefaultTTL).
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithClock sets the time source used for record lifetimes.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger used for key-misuse and store warnings.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithRecorder sets the metrics sink.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithCacheable decides which status codes are stored. The default stores everything
// below 500, so server errors can be retried.
func WithCacheable(fn func(status int) bool) Option {
	return func(o *options) { o.cacheable = fn }
}

// Guard coordinates a Store to run each keyed operation at most once.
type Guard[T any] struct {
	store Store[T]
	opts  options
	warn  *rate.Sometimes
}

// NewGuard creates a Guard backed by store.
func NewGuard[T any](store Store[T], opts ...Option) *Guard[T] {
	o := options{
		ttl:       DefaultTTL,
		clock:     clock.Real{},
		logger:    logrus.StandardLogger(),
		recorder:  metrics.Nop{},
		cacheable: func(status int) bool { return status < http.StatusInternalServerError },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Guard[T]{
		store: store,
		opts:  o,
		warn:  &rate.Sometimes{First: 10, Interval: time.Second},
	}
}

// Do runs op at most once per key.
//
// An empty key disables deduplication and runs op directly. Otherwise:
//   - a live record with a different fingerprint fails with ErrKeyConflict
//   - a live record with the same fingerprint is returned with Cached set
//   - a key already in flight fails with ErrConcurrentRequest
//   - else op runs, its result is stored when successful and cacheable, and the
//     in-flight marker is released whatever op does (error, panic, cancellation)
func (g *Guard[T]) Do(ctx context.Context, key, fingerprint string, op Operation[T]) (Outcome[T], error) {
	if key == "" {
		resp, status, err := op(ctx)
		if err != nil {
			return Outcome[T]{}, err
		}
		return Outcome[T]{Response: resp, StatusCode: status}, nil
	}

	if out, found, err := g.lookup(ctx, key, fingerprint); err != nil || found {
		return out, err
	}

	token := uuid.NewString()
	started, err := g.store.StartProcessing(ctx, key, token)
	if err != nil {
		return Outcome[T]{}, fmt.Errorf("idempotency: start processing: %w", err)
	}
	if !started {
		g.record(ctx, metrics.IdempotencyInFlight, key)
		g.warnf(logrus.Fields{"idempotency_key": key}, "concurrent request for in-flight idempotency key")
		return Outcome[T]{}, fmt.Errorf("%w: key %q", ErrConcurrentRequest, key)
	}
	defer g.finish(ctx, key, token)

	// A request may have completed between the lookup above and acquiring the marker.
	if out, found, err := g.lookup(ctx, key, fingerprint); err != nil || found {
		return out, err
	}

	resp, status, err := op(ctx)
	if err != nil {
		return Outcome[T]{}, err
	}

	if g.opts.cacheable(status) {
		now := g.opts.clock.Now()
		rec := Record[T]{
			Key:         key,
			Fingerprint: fingerprint,
			Response:    resp,
			StatusCode:  status,
			CreatedAt:   now,
			ExpiresAt:   now.Add(g.opts.ttl),
		}
		if err := g.store.Set(ctx, rec); err != nil {
			g.opts.logger.WithError(err).WithField("idempotency_key", key).Error("failed to store idempotent result")
		}
	}

	g.record(ctx, metrics.IdempotencyExecuted, key)
	return Outcome[T]{Response: resp, StatusCode: status}, nil
}

func (g *Guard[T]) lookup(ctx context.Context, key, fingerprint string) (Outcome[T], bool, error) {
	rec, err := g.store.Get(ctx, key)
	if err != nil {
		return Outcome[T]{}, false, fmt.Errorf("idempotency: get record: %w", err)
	}
	if rec == nil {
		return Outcome[T]{}, false, nil
	}

	if rec.Fingerprint != fingerprint {
		g.record(ctx, metrics.IdempotencyConflict, key)
		g.warnf(logrus.Fields{"idempotency_key": key}, "idempotency key reused with a different request")
		return Outcome[T]{}, true, fmt.Errorf("%w: key %q", ErrKeyConflict, key)
	}

	g.record(ctx, metrics.IdempotencyReplayed, key)
	return Outcome[T]{Response: rec.Response, StatusCode: rec.StatusCode, Cached: true}, true, nil
}

func (g *Guard[T]) finish(ctx context.Context, key, token string) {
	// The caller's context may already be cancelled; the marker must still be released.
	if err := g.store.FinishProcessing(context.WithoutCancel(ctx), key, token); err != nil {
		g.opts.logger.WithError(err).WithField("idempotency_key", key).Error("failed to release in-flight marker")
	}
}

func (g *Guard[T]) record(ctx context.Context, kind metrics.Kind, key string) {
	ev := metrics.Event{Kind: kind, Key: key, At: g.opts.clock.Now()}
	if err := g.opts.recorder.Record(ctx, ev); err != nil {
		g.opts.logger.WithError(err).Debug("failed to record idempotency metric")
	}
}

func (g *Guard[T]) warnf(fields logrus.Fields, msg string) {
	g.warn.Do(func() {
		g.opts.logger.WithFields(fields).Warn(msg)
	})
}
