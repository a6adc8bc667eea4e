package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nhalm/reqguard/ratelimit"
)

// admitScript performs one sliding-window admission atomically.
//
// KEYS[1] is the sorted-set request log (score = millis), KEYS[2] holds the window anchor.
// ARGV: now millis, window millis, limit, unique member, key TTL millis.
// Returns {allowed, count, anchor millis, oldest millis (0 when empty)}.
var admitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local start = now
local raw = redis.call('GET', KEYS[2])
if raw then
    start = tonumber(raw)
    if now - start >= window then
        start = now
    end
end
redis.call('SET', KEYS[2], start, 'PX', ARGV[5])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. (now - window))
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < limit then
    redis.call('ZADD', KEYS[1], now, ARGV[4])
    count = count + 1
    allowed = 1
end
redis.call('PEXPIRE', KEYS[1], ARGV[5])

local oldest = 0
local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if first[2] then
    oldest = tonumber(first[2])
end
return {allowed, count, start, oldest}
`)

// Redis is a Redis-backed ratelimit.Store suitable for distributed deployments.
// Each key is a sorted set of request timestamps plus an anchor key, both updated by a
// single Lua script so instances cannot interleave.
type Redis struct {
	client     *redis.Client
	prefix     string
	ownsClient bool
}

var _ ratelimit.Store = (*Redis)(nil)

// RedisConfig holds configuration for Redis connection.
// All fields should be populated explicitly by your application code from environment
// variables, config files, or other sources. Never reads environment variables directly.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional)
	Password string

	// DB is the Redis database number (0-15, default: 0)
	DB int

	// Prefix is prepended to all keys (default: "reqguard:ratelimit:")
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// MinIdleConns is the minimum number of idle connections (default: 0)
	MinIdleConns int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration
}

// DefaultRedisPrefix namespaces rate-limit keys.
const DefaultRedisPrefix = "reqguard:ratelimit:"

// NewRedisClient opens a client from config and pings it. Returns an error if the
// connection cannot be established within 5 seconds. Use it to share one client between
// the rate-limit store, the idempotency store and the metrics recorder.
func NewRedisClient(config RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.MinIdleConns > 0 {
		opts.MinIdleConns = config.MinIdleConns
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedis creates a Redis rate-limit store with its own client.
//
// Example:
//
//	st, err := store.NewRedis(store.RedisConfig{
//		URL:    "localhost:6379",
//		Prefix: "myapp:ratelimit:",
//	})
func NewRedis(config RedisConfig) (*Redis, error) {
	client, err := NewRedisClient(config)
	if err != nil {
		return nil, err
	}
	r := NewRedisWithClient(client, config.Prefix)
	r.ownsClient = true
	return r, nil
}

// NewRedisWithClient creates a Redis rate-limit store on an existing client. Close does
// not close a client passed in this way.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// Admit implements ratelimit.Store.
func (r *Redis) Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (ratelimit.Window, error) {
	logKey := r.prefix + key
	keys := []string{logKey, logKey + ":anchor"}
	ttl := (window + Retention).Milliseconds()

	result, err := admitScript.Run(ctx, r.client, keys,
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString(), ttl).Slice()
	if err != nil {
		return ratelimit.Window{}, fmt.Errorf("redis admit failed: %w", err)
	}

	if len(result) != 4 {
		return ratelimit.Window{}, fmt.Errorf("unexpected result length: got %d, want 4", len(result))
	}

	vals := make([]int64, len(result))
	for i, v := range result {
		n, ok := v.(int64)
		if !ok {
			return ratelimit.Window{}, fmt.Errorf("unexpected type for result[%d]: %T", i, v)
		}
		vals[i] = n
	}

	w := ratelimit.Window{
		Allowed: vals[0] == 1,
		Count:   vals[1],
		Start:   time.UnixMilli(vals[2]),
	}
	if vals[3] > 0 {
		w.Oldest = time.UnixMilli(vals[3])
	}
	return w, nil
}

// Reset removes the log and anchor for key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	logKey := r.prefix + key
	if err := r.client.Del(ctx, logKey, logKey+":anchor").Err(); err != nil {
		return fmt.Errorf("redis reset failed: %w", err)
	}
	return nil
}

// Clear deletes every key under the store prefix. Intended for test teardown.
func (r *Redis) Clear(ctx context.Context) error {
	return clearPrefix(ctx, r.client, r.prefix)
}

// Close releases the Redis client if the store created it.
func (r *Redis) Close() error {
	if !r.ownsClient {
		return nil
	}
	return r.client.Close()
}

func clearPrefix(ctx context.Context, client *redis.Client, prefix string) error {
	iter := client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := client.Del(ctx, iter.Val()).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis clear failed: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan failed: %w", err)
	}
	return nil
}
