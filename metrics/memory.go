package metrics

import (
	"context"
	"sync"
)

// Counts maps an event kind to the number of times it was recorded.
type Counts map[Kind]int64

// Memory keeps counters in process. It never expires anything and is meant for tests,
// development and the debug endpoint of a single instance.
type Memory struct {
	mu        sync.Mutex
	total     Counts
	byScope   map[string]Counts
	byKey     map[string]Counts
	trackKeys bool
}

// MemoryOption configures a Memory recorder.
type MemoryOption func(*Memory)

// MemoryWithTrackKeys enables per-key counters.
func MemoryWithTrackKeys(track bool) MemoryOption {
	return func(m *Memory) { m.trackKeys = track }
}

// NewMemory creates an in-memory recorder.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		total:   make(Counts),
		byScope: make(map[string]Counts),
		byKey:   make(map[string]Counts),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record implements Recorder.
func (m *Memory) Record(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total[ev.Kind]++
	if ev.Scope != "" {
		bump(m.byScope, ev.Scope, ev.Kind)
	}
	if m.trackKeys && ev.Key != "" {
		bump(m.byKey, ev.Key, ev.Kind)
	}
	return nil
}

func bump(m map[string]Counts, name string, kind Kind) {
	c, ok := m[name]
	if !ok {
		c = make(Counts)
		m[name] = c
	}
	c[kind]++
}

// Total returns a copy of the global counters.
func (m *Memory) Total() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyCounts(m.total)
}

// ByScope returns a copy of the per-scope counters.
func (m *Memory) ByScope() map[string]Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyNested(m.byScope)
}

// ByKey returns a copy of the per-key counters. Empty unless key tracking is enabled.
func (m *Memory) ByKey() map[string]Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyNested(m.byKey)
}

func copyCounts(c Counts) Counts {
	out := make(Counts, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func copyNested(m map[string]Counts) map[string]Counts {
	out := make(map[string]Counts, len(m))
	for k, v := range m {
		out[k] = copyCounts(v)
	}
	return out
}
