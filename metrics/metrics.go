// Package metrics records admission and deduplication decisions made by the rate limiter
// and the idempotency guard.
//
// Recording is best-effort: callers log a failed Record and carry on, a metrics outage
// never fails a request.
package metrics

import (
	"context"
	"errors"
	"time"
)

// Kind classifies a recorded decision.
type Kind string

const (
	RateLimitAllowed    Kind = "ratelimit_allowed"
	RateLimitDenied     Kind = "ratelimit_denied"
	IdempotencyExecuted Kind = "idempotency_executed"
	IdempotencyReplayed Kind = "idempotency_replayed"
	IdempotencyConflict Kind = "idempotency_conflict"
	IdempotencyInFlight Kind = "idempotency_in_flight"
)

// Event is a single decision.
//
// Key is the rate-limit identifier or idempotency key. Scope is an optional grouping such
// as "POST /api/stories". Both can have high cardinality; recorders only break down by Key
// when asked to.
type Event struct {
	Kind  Kind
	Key   string
	Scope string
	At    time.Time
}

// Recorder persists events. Implementations must be safe for concurrent use.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Event) error { return nil }

// Multi fans each event out to every recorder. All recorders see the event even when one
// fails; the errors are joined.
type Multi []Recorder

// Record implements Recorder.
func (m Multi) Record(ctx context.Context, ev Event) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
