package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/nhalm/reqguard"
	"github.com/nhalm/reqguard/idempotency"
	"github.com/nhalm/reqguard/internal/config"
	"github.com/nhalm/reqguard/metrics"
	"github.com/nhalm/reqguard/ratelimit"
	"github.com/nhalm/reqguard/store"
)

// deps holds everything the router needs. The stores are closed in reverse order of
// creation, the shared Redis client last.
type deps struct {
	redis   *redis.Client
	limiter *ratelimit.Limiter
	guard   *idempotency.Guard[reqguard.CachedResponse]
	stats   *metrics.Memory
	stories *storyService
	closers []io.Closer
}

func newDeps(cfg *config.Config, logger logrus.FieldLogger) (*deps, error) {
	d := &deps{
		stats:   metrics.NewMemory(),
		stories: newStoryService(),
	}

	var (
		limitStore ratelimit.Store
		idemStore  idempotency.Store[reqguard.CachedResponse]
		recorder   metrics.Recorder = d.stats
	)

	switch cfg.Backend {
	case config.BackendRedis:
		client, err := store.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		d.redis = client
		d.closers = append(d.closers, client)

		prefix := cfg.Redis.Prefix
		rs := store.NewRedisWithClient(client, prefix+"ratelimit:")
		is := store.NewIdempotencyRedis[reqguard.CachedResponse](client, store.RedisWithPrefix(prefix+"idempotency:"))
		d.closers = append(d.closers, rs, is)
		limitStore, idemStore = rs, is
		recorder = metrics.Multi{d.stats, metrics.NewRedis(client, metrics.RedisWithPrefix(prefix+"metrics"))}

	case config.BackendMemory:
		ms := store.NewMemory(store.MemoryWithLogger(logger))
		is := store.NewIdempotencyMemory[reqguard.CachedResponse](
			store.MemoryWithMaxEntries(cfg.MaxEntries),
			store.MemoryWithLogger(logger),
		)
		d.closers = append(d.closers, ms, is)
		limitStore, idemStore = ms, is

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	d.limiter = ratelimit.New(limitStore,
		ratelimit.WithLogger(logger),
		ratelimit.WithRecorder(recorder),
	)
	d.guard = idempotency.NewGuard[reqguard.CachedResponse](idemStore,
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithLogger(logger),
		idempotency.WithRecorder(recorder),
	)
	return d, nil
}

// ping checks the shared backend. The memory backend is always healthy.
func (d *deps) ping(ctx context.Context) error {
	if d.redis == nil {
		return nil
	}
	return d.redis.Ping(ctx).Err()
}

func (d *deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
