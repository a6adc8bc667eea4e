package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func setupRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	client, err := NewRedisClient(RedisConfig{
		URL: "localhost:6379",
		DB:  15,
	})
	if err != nil {
		t.Skip("Redis not available:", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func setupRedisTest(t *testing.T) *Redis {
	t.Helper()

	client := setupRedisClient(t)
	st := NewRedisWithClient(client, fmt.Sprintf("test:ratelimit:%d:", time.Now().UnixNano()))
	t.Cleanup(func() { st.Clear(context.Background()) })
	return st
}

func TestRedis_Admit(t *testing.T) {
	st := setupRedisTest(t)
	ctx := context.Background()
	window := 10 * time.Second

	for i := range 3 {
		w, err := st.Admit(ctx, "k", at(0), window, 3)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !w.Allowed {
			t.Errorf("request %d: expected allowed", i)
		}
		if w.Count != int64(i+1) {
			t.Errorf("request %d: expected count %d, got %d", i, i+1, w.Count)
		}
	}

	w, err := st.Admit(ctx, "k", at(0), window, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Allowed {
		t.Error("expected 4th request rejected")
	}
	if !w.Oldest.Equal(at(0)) {
		t.Errorf("expected oldest %v, got %v", at(0), w.Oldest)
	}

	w, _ = st.Admit(ctx, "k", at(11), window, 3)
	if !w.Allowed {
		t.Error("expected admission after the window slid")
	}
	if !w.Start.Equal(at(11)) {
		t.Errorf("expected anchor %v, got %v", at(11), w.Start)
	}
}

func TestRedis_PartialSlide(t *testing.T) {
	st := setupRedisTest(t)
	ctx := context.Background()
	window := 10 * time.Second

	st.Admit(ctx, "k", at(0), window, 2)
	st.Admit(ctx, "k", at(5), window, 2)
	w, _ := st.Admit(ctx, "k", at(6), window, 2)

	if w.Allowed {
		t.Fatal("expected rejection")
	}
	if !w.Oldest.Equal(at(0)) {
		t.Errorf("expected oldest %v, got %v", at(0), w.Oldest)
	}
}

func TestRedis_Reset(t *testing.T) {
	st := setupRedisTest(t)
	ctx := context.Background()

	st.Admit(ctx, "k", at(0), time.Minute, 1)
	if err := st.Reset(ctx, "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w, _ := st.Admit(ctx, "k", at(1), time.Minute, 1)
	if !w.Allowed {
		t.Error("expected admission after reset")
	}
}

func TestRedis_KeysExpire(t *testing.T) {
	st := setupRedisTest(t)
	ctx := context.Background()

	st.Admit(ctx, "k", time.Now(), time.Second, 5)

	ttl, err := st.client.PTTL(ctx, st.prefix+"k").Result()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ttl <= 0 || ttl > time.Second+Retention {
		t.Errorf("expected TTL within window plus retention, got %v", ttl)
	}
}

func TestRedis_ConcurrentAdmit(t *testing.T) {
	st := setupRedisTest(t)

	const limit = 20
	var allowed atomic.Int64
	var wg sync.WaitGroup

	for range 60 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := st.Admit(context.Background(), "k", t0, time.Minute, limit)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if w.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Errorf("expected %d admitted, got %d", limit, got)
	}
}

func TestRedis_CloseLeavesSharedClientOpen(t *testing.T) {
	client := setupRedisClient(t)
	st := NewRedisWithClient(client, "test:close:")

	if err := st.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Errorf("expected shared client to stay open, got %v", err)
	}
}

func TestNewRedis_DefaultPrefix(t *testing.T) {
	client := setupRedisClient(t)
	st := NewRedisWithClient(client, "")
	if !strings.HasPrefix(st.prefix, "reqguard:") {
		t.Errorf("expected default prefix, got %q", st.prefix)
	}
}
