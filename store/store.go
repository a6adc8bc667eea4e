// Package store provides the storage backends behind the rate limiter and the idempotency
// guard.
//
// Memory and IdempotencyMemory keep state in process. They are only correct for a single
// instance: in Kubernetes or any multi-instance deployment every replica keeps its own
// state, so limits are per replica and an idempotency key can execute once per replica.
// Use them for development, tests and single-instance deployments.
//
// Redis and IdempotencyRedis share state through Redis and are safe across instances.
//
// Every store is constructed explicitly and owns its background work. Call Close on
// shutdown to stop the cleanup goroutine (memory) or release the client (Redis).
package store

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhalm/reqguard/clock"
)

const (
	// DefaultCleanupInterval is how often memory stores sweep expired state.
	DefaultCleanupInterval = time.Minute

	// DefaultMaxEntries caps the number of idempotency records held in memory.
	DefaultMaxEntries = 10000

	// Retention is how long a rate-limit log outlives its window before it is purged.
	Retention = 5 * time.Minute
)

type memoryConfig struct {
	clock      clock.Clock
	interval   time.Duration
	maxEntries int
	logger     logrus.FieldLogger
}

func newMemoryConfig(opts []MemoryOption) memoryConfig {
	c := memoryConfig{
		clock:      clock.Real{},
		interval:   DefaultCleanupInterval,
		maxEntries: DefaultMaxEntries,
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// MemoryOption configures an in-memory store.
type MemoryOption func(*memoryConfig)

// MemoryWithClock sets the time source used by expiry checks and cleanup sweeps.
func MemoryWithClock(c clock.Clock) MemoryOption {
	return func(m *memoryConfig) { m.clock = c }
}

// MemoryWithCleanupInterval sets how often the background sweep runs.
// A non-positive interval disables the sweep.
func MemoryWithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *memoryConfig) { m.interval = d }
}

// MemoryWithMaxEntries caps the number of idempotency records. When full, the oldest
// inserted record is evicted. Has no effect on the rate-limit store.
func MemoryWithMaxEntries(n int) MemoryOption {
	return func(m *memoryConfig) {
		if n > 0 {
			m.maxEntries = n
		}
	}
}

// MemoryWithLogger sets the logger used for cleanup reports.
func MemoryWithLogger(l logrus.FieldLogger) MemoryOption {
	return func(m *memoryConfig) { m.logger = l }
}

// sweeper runs fn every interval until stop is closed.
func sweeper(interval time.Duration, stop <-chan struct{}, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn()
		case <-stop:
			return
		}
	}
}
