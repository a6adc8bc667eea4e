package store

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhalm/reqguard/ratelimit"
)

type windowLog struct {
	start    time.Time
	window   time.Duration
	requests []time.Time
}

// Memory is an in-memory ratelimit.Store keeping a timestamp log per key.
//
// WARNING: limits are per process. See the package documentation.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*windowLog
	cfg     memoryConfig

	stopCh    chan struct{}
	closeOnce sync.Once
}

var _ ratelimit.Store = (*Memory)(nil)

// NewMemory creates an in-memory rate-limit store. A background goroutine purges logs
// whose anchor is older than their window plus Retention.
//
// Important: call Close when done to stop the cleanup goroutine.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]*windowLog),
		cfg:     newMemoryConfig(opts),
		stopCh:  make(chan struct{}),
	}

	if m.cfg.interval > 0 {
		go sweeper(m.cfg.interval, m.stopCh, func() { m.runCleanup() })
	}
	return m
}

// Admit implements ratelimit.Store. The whole filter-count-append runs under one lock.
//
// Note: the context parameter is accepted for interface compatibility but is not used.
func (m *Memory) Admit(_ context.Context, key string, now time.Time, window time.Duration, limit int64) (ratelimit.Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &windowLog{start: now, window: window}
		m.entries[key] = e
	}

	// Re-anchoring only bounds how long an idle log is retained; counting below is
	// driven purely by the filter.
	if !now.Before(e.start.Add(window)) {
		e.start = now
	}

	cutoff := now.Add(-window)
	kept := e.requests[:0]
	for _, t := range e.requests {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	clear(e.requests[len(kept):])
	e.requests = kept

	count := int64(len(e.requests))
	if count >= limit {
		w := ratelimit.Window{Count: count, Start: e.start}
		if count > 0 {
			w.Oldest = e.requests[0]
		}
		return w, nil
	}

	e.requests = append(e.requests, now)
	return ratelimit.Window{
		Allowed: true,
		Count:   count + 1,
		Start:   e.start,
		Oldest:  e.requests[0],
	}, nil
}

// Reset removes the log for key.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Len returns the number of keys currently tracked.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Clear drops every log. Intended for test teardown.
func (m *Memory) Clear() {
	m.mu.Lock()
	m.entries = make(map[string]*windowLog)
	m.mu.Unlock()
}

// Close stops the background cleanup goroutine. Safe to call more than once.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.Clear()
	})
	return nil
}

// runCleanup removes logs whose anchor is older than their window plus Retention and
// returns how many were removed.
func (m *Memory) runCleanup() int {
	now := m.cfg.clock.Now()

	m.mu.Lock()
	removed := 0
	for key, e := range m.entries {
		if now.Sub(e.start) > e.window+Retention {
			delete(m.entries, key)
			removed++
		}
	}
	remaining := len(m.entries)
	m.mu.Unlock()

	if removed > 0 {
		m.cfg.logger.WithFields(logrus.Fields{
			"removed":   removed,
			"remaining": remaining,
		}).Debug("rate limit cleanup")
	}
	return removed
}
