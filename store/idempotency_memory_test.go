package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nhalm/reqguard/clock"
	"github.com/nhalm/reqguard/idempotency"
)

func record(key, fp string, created time.Time, ttl time.Duration) idempotency.Record[string] {
	return idempotency.Record[string]{
		Key:         key,
		Fingerprint: fp,
		Response:    "response:" + key,
		StatusCode:  201,
		CreatedAt:   created,
		ExpiresAt:   created.Add(ttl),
	}
}

func TestIdempotencyMemory_GetSet(t *testing.T) {
	fake := clock.NewFake(t0)
	m := NewIdempotencyMemory[string](MemoryWithClock(fake), MemoryWithCleanupInterval(0))
	defer m.Close()
	ctx := context.Background()

	got, err := m.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing key, got %+v", got)
	}

	if err := m.Set(ctx, record("abc", "fp1", t0, time.Hour)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ = m.Get(ctx, "abc")
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if got.Fingerprint != "fp1" || got.Response != "response:abc" || got.StatusCode != 201 {
		t.Errorf("unexpected record: %+v", got)
	}
}

func TestIdempotencyMemory_SetIsWriteOnce(t *testing.T) {
	fake := clock.NewFake(t0)
	m := NewIdempotencyMemory[string](MemoryWithClock(fake), MemoryWithCleanupInterval(0))
	defer m.Close()
	ctx := context.Background()

	m.Set(ctx, record("abc", "fp1", t0, time.Hour))
	m.Set(ctx, record("abc", "fp2", t0, time.Hour))

	got, _ := m.Get(ctx, "abc")
	if got.Fingerprint != "fp1" {
		t.Errorf("expected original fingerprint fp1, got %s", got.Fingerprint)
	}
}

func TestIdempotencyMemory_Expiry(t *testing.T) {
	fake := clock.NewFake(t0)
	m := NewIdempotencyMemory[string](MemoryWithClock(fake), MemoryWithCleanupInterval(0))
	defer m.Close()
	ctx := context.Background()

	m.Set(ctx, record("abc", "fp1", t0, time.Second))

	fake.Advance(999 * time.Millisecond)
	if got, _ := m.Get(ctx, "abc"); got == nil {
		t.Fatal("expected record before expiry")
	}

	fake.Advance(time.Millisecond)
	if got, _ := m.Get(ctx, "abc"); got != nil {
		t.Errorf("expected nil at ExpiresAt, got %+v", got)
	}
	if m.Len() != 0 {
		t.Errorf("expected expired record evicted on read, got %d records", m.Len())
	}

	// A fresh record with another fingerprint is accepted once the old one expired.
	m.Set(ctx, record("abc", "fp2", fake.Now(), time.Second))
	got, _ := m.Get(ctx, "abc")
	if got == nil || got.Fingerprint != "fp2" {
		t.Errorf("expected fresh record with fp2, got %+v", got)
	}
}

func TestIdempotencyMemory_CapacityEvictsOldestInserted(t *testing.T) {
	fake := clock.NewFake(t0)
	m := NewIdempotencyMemory[string](
		MemoryWithClock(fake),
		MemoryWithCleanupInterval(0),
		MemoryWithMaxEntries(2),
	)
	defer m.Close()
	ctx := context.Background()

	m.Set(ctx, record("A", "fa", t0, time.Hour))
	m.Set(ctx, record("B", "fb", t0, time.Hour))

	// Reading A does not protect it; eviction follows insertion order.
	m.Get(ctx, "A")
	m.Set(ctx, record("C", "fc", t0, time.Hour))

	if got, _ := m.Get(ctx, "A"); got != nil {
		t.Error("expected A to be evicted")
	}
	for _, key := range []string{"B", "C"} {
		if got, _ := m.Get(ctx, key); got == nil {
			t.Errorf("expected %s to remain", key)
		}
	}
	if m.Len() != 2 {
		t.Errorf("expected 2 records, got %d", m.Len())
	}
}

func TestIdempotencyMemory_InFlight(t *testing.T) {
	m := NewIdempotencyMemory[string](MemoryWithCleanupInterval(0))
	defer m.Close()
	ctx := context.Background()

	ok, _ := m.StartProcessing(ctx, "abc", "a")
	if !ok {
		t.Fatal("expected first StartProcessing to succeed")
	}
	ok, _ = m.StartProcessing(ctx, "abc", "b")
	if ok {
		t.Error("expected second StartProcessing to fail")
	}

	// Only the owning token releases the marker.
	m.FinishProcessing(ctx, "abc", "b")
	if ok, _ = m.StartProcessing(ctx, "abc", "c"); ok {
		t.Error("expected marker to survive release by a non-owner")
	}

	m.FinishProcessing(ctx, "abc", "a")
	ok, _ = m.StartProcessing(ctx, "abc", "c")
	if !ok {
		t.Error("expected StartProcessing to succeed after FinishProcessing")
	}

	// Finishing an unknown key is a no-op.
	if err := m.FinishProcessing(ctx, "unknown", "a"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestIdempotencyMemory_ConcurrentStartProcessing(t *testing.T) {
	m := NewIdempotencyMemory[string](MemoryWithCleanupInterval(0))
	defer m.Close()

	var winners atomic.Int64
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.StartProcessing(context.Background(), "abc", "t"); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Errorf("expected exactly 1 winner, got %d", got)
	}
}

func TestIdempotencyMemory_Cleanup(t *testing.T) {
	fake := clock.NewFake(t0)
	m := NewIdempotencyMemory[string](MemoryWithClock(fake), MemoryWithCleanupInterval(0))
	defer m.Close()
	ctx := context.Background()

	m.Set(ctx, record("short", "f", t0, time.Second))
	m.Set(ctx, record("long", "f", t0, time.Hour))

	fake.Advance(time.Minute)
	if removed := m.runCleanup(); removed != 1 {
		t.Errorf("expected 1 record removed, got %d", removed)
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 record remaining, got %d", m.Len())
	}
}

func TestIdempotencyMemory_Clear(t *testing.T) {
	m := NewIdempotencyMemory[string](MemoryWithCleanupInterval(0))
	defer m.Close()
	ctx := context.Background()

	m.Set(ctx, record("abc", "f", time.Now(), time.Hour))
	m.StartProcessing(ctx, "xyz", "a")
	m.Clear()

	if m.Len() != 0 {
		t.Errorf("expected no records after Clear, got %d", m.Len())
	}
	if ok, _ := m.StartProcessing(ctx, "xyz", "b"); !ok {
		t.Error("expected in-flight markers cleared")
	}
}
