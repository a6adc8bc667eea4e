package store

import (
	"container/list"
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nhalm/reqguard/idempotency"
)

// IdempotencyMemory is an in-memory idempotency.Store.
//
// Records expire lazily on Get and in a periodic sweep. When MaxEntries is reached the
// oldest inserted record is evicted, regardless of how recently it was read.
//
// WARNING: records and in-flight markers are per process. See the package documentation.
type IdempotencyMemory[T any] struct {
	mu       sync.Mutex
	records  map[string]*list.Element
	order    *list.List
	inFlight map[string]string
	cfg      memoryConfig

	stopCh    chan struct{}
	closeOnce sync.Once
}

var _ idempotency.Store[string] = (*IdempotencyMemory[string])(nil)

// NewIdempotencyMemory creates an in-memory idempotency store.
//
// Important: call Close when done to stop the cleanup goroutine.
func NewIdempotencyMemory[T any](opts ...MemoryOption) *IdempotencyMemory[T] {
	m := &IdempotencyMemory[T]{
		records:  make(map[string]*list.Element),
		order:    list.New(),
		inFlight: make(map[string]string),
		cfg:      newMemoryConfig(opts),
		stopCh:   make(chan struct{}),
	}

	if m.cfg.interval > 0 {
		go sweeper(m.cfg.interval, m.stopCh, func() { m.runCleanup() })
	}
	return m
}

// Get returns a copy of the live record for key, or nil. An expired record is removed.
func (m *IdempotencyMemory[T]) Get(_ context.Context, key string) (*idempotency.Record[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.records[key]
	if !ok {
		return nil, nil
	}

	rec := el.Value.(*idempotency.Record[T])
	if rec.Expired(m.cfg.clock.Now()) {
		m.remove(el)
		return nil, nil
	}

	out := *rec
	return &out, nil
}

// Set stores rec unless a live record already holds the key.
func (m *IdempotencyMemory[T]) Set(_ context.Context, rec idempotency.Record[T]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.records[rec.Key]; ok {
		if !el.Value.(*idempotency.Record[T]).Expired(m.cfg.clock.Now()) {
			return nil
		}
		m.remove(el)
	}

	for m.order.Len() >= m.cfg.maxEntries {
		m.remove(m.order.Front())
	}

	m.records[rec.Key] = m.order.PushBack(&rec)
	return nil
}

// StartProcessing marks key as in flight for token. Returns false if it already was.
func (m *IdempotencyMemory[T]) StartProcessing(_ context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.inFlight[key]; busy {
		return false, nil
	}
	m.inFlight[key] = token
	return true, nil
}

// FinishProcessing clears the in-flight marker for key when token holds it.
func (m *IdempotencyMemory[T]) FinishProcessing(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inFlight[key] == token {
		delete(m.inFlight, key)
	}
	return nil
}

// Len returns the number of stored records, expired ones included until swept.
func (m *IdempotencyMemory[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Clear drops every record and in-flight marker. Intended for test teardown.
func (m *IdempotencyMemory[T]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = make(map[string]*list.Element)
	m.order.Init()
	m.inFlight = make(map[string]string)
}

// Close stops the background cleanup goroutine. Safe to call more than once.
func (m *IdempotencyMemory[T]) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.Clear()
	})
	return nil
}

func (m *IdempotencyMemory[T]) remove(el *list.Element) {
	rec := m.order.Remove(el).(*idempotency.Record[T])
	delete(m.records, rec.Key)
}

// runCleanup removes expired records and returns how many were removed.
func (m *IdempotencyMemory[T]) runCleanup() int {
	now := m.cfg.clock.Now()

	m.mu.Lock()
	removed := 0
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*idempotency.Record[T]).Expired(now) {
			m.remove(el)
			removed++
		}
		el = next
	}
	remaining := m.order.Len()
	m.mu.Unlock()

	if removed > 0 {
		m.cfg.logger.WithFields(logrus.Fields{
			"removed":   removed,
			"remaining": remaining,
		}).Debug("idempotency cleanup")
	}
	return removed
}
