package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"

	"github.com/nhalm/reqguard/clock"
	"github.com/nhalm/reqguard/idempotency"
)

const (
	// DefaultIdempotencyPrefix namespaces idempotency keys.
	DefaultIdempotencyPrefix = "reqguard:idempotency:"

	// DefaultLockTTL bounds how long an in-flight marker survives a crashed holder.
	// Operations that can run longer need a larger RedisWithLockTTL: once the marker
	// expires, a retry with the same key is admitted while the first attempt still runs.
	DefaultLockTTL = 30 * time.Second

	// compressThreshold is the encoded size above which records are zstd-compressed.
	compressThreshold = 1024
)

// Payload framing: one format byte followed by the JSON record, raw or compressed.
const (
	formatJSON byte = 'j'
	formatZstd byte = 'z'
)

var (
	enc = mustEncoder()
	dec = mustDecoder()
)

func mustEncoder() *zstd.Encoder {
	e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(fmt.Sprintf("store: zstd encoder: %v", err))
	}
	return e
}

func mustDecoder() *zstd.Decoder {
	d, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("store: zstd decoder: %v", err))
	}
	return d
}

// releaseScript deletes KEYS[1] only while it still holds the caller's token ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisOption configures an IdempotencyRedis store.
type RedisOption func(*redisIdempotencyConfig)

type redisIdempotencyConfig struct {
	prefix  string
	lockTTL time.Duration
	clock   clock.Clock
}

// RedisWithPrefix sets the key prefix (default DefaultIdempotencyPrefix).
func RedisWithPrefix(prefix string) RedisOption {
	return func(c *redisIdempotencyConfig) { c.prefix = prefix }
}

// RedisWithLockTTL sets the in-flight marker lifetime (default DefaultLockTTL). It should
// exceed the longest operation the guard protects.
func RedisWithLockTTL(ttl time.Duration) RedisOption {
	return func(c *redisIdempotencyConfig) { c.lockTTL = ttl }
}

// RedisWithClock sets the time source used to compute record TTLs.
func RedisWithClock(c clock.Clock) RedisOption {
	return func(cfg *redisIdempotencyConfig) { cfg.clock = c }
}

// IdempotencyRedis is a Redis-backed idempotency.Store shared across instances.
//
// Records are written with SET NX and expire through Redis TTLs; there is no capacity
// eviction beyond the server's maxmemory policy. In-flight markers are SET NX keys with
// a lock TTL so a crashed holder cannot block a key forever.
type IdempotencyRedis[T any] struct {
	client *redis.Client
	cfg    redisIdempotencyConfig
}

var _ idempotency.Store[string] = (*IdempotencyRedis[string])(nil)

// NewIdempotencyRedis creates an idempotency store on client. Close does not close the
// client.
func NewIdempotencyRedis[T any](client *redis.Client, opts ...RedisOption) *IdempotencyRedis[T] {
	cfg := redisIdempotencyConfig{
		prefix:  DefaultIdempotencyPrefix,
		lockTTL: DefaultLockTTL,
		clock:   clock.Real{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &IdempotencyRedis[T]{client: client, cfg: cfg}
}

func (r *IdempotencyRedis[T]) recordKey(key string) string {
	return r.cfg.prefix + "rec:" + key
}

func (r *IdempotencyRedis[T]) lockKey(key string) string {
	return r.cfg.prefix + "lock:" + key
}

// Get returns the live record for key, or nil.
func (r *IdempotencyRedis[T]) Get(ctx context.Context, key string) (*idempotency.Record[T], error) {
	raw, err := r.client.Get(ctx, r.recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	rec, err := decodeRecord[T](raw)
	if err != nil {
		return nil, err
	}
	if rec.Expired(r.cfg.clock.Now()) {
		if err := r.client.Del(ctx, r.recordKey(key)).Err(); err != nil {
			return nil, fmt.Errorf("redis delete failed: %w", err)
		}
		return nil, nil
	}
	return rec, nil
}

// Set stores rec unless the key already holds a record. Records already past ExpiresAt
// are dropped.
func (r *IdempotencyRedis[T]) Set(ctx context.Context, rec idempotency.Record[T]) error {
	ttl := rec.ExpiresAt.Sub(r.cfg.clock.Now())
	if ttl <= 0 {
		return nil
	}

	raw, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := r.client.SetNX(ctx, r.recordKey(rec.Key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// StartProcessing acquires the in-flight marker for key, storing token as its owner.
func (r *IdempotencyRedis[T]) StartProcessing(ctx context.Context, key, token string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.lockKey(key), token, r.cfg.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis lock failed: %w", err)
	}
	return ok, nil
}

// FinishProcessing releases the in-flight marker for key if token still owns it. A marker
// that expired and was re-acquired by another attempt is kept.
func (r *IdempotencyRedis[T]) FinishProcessing(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.lockKey(key)}, token).Err(); err != nil {
		return fmt.Errorf("redis unlock failed: %w", err)
	}
	return nil
}

// Clear deletes every record and marker under the prefix. Intended for test teardown.
func (r *IdempotencyRedis[T]) Clear(ctx context.Context) error {
	return clearPrefix(ctx, r.client, r.cfg.prefix)
}

// Close is a no-op; the client belongs to the caller.
func (r *IdempotencyRedis[T]) Close() error {
	return nil
}

func encodeRecord[T any](rec idempotency.Record[T]) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode idempotency record: %w", err)
	}
	if len(b) <= compressThreshold {
		return append([]byte{formatJSON}, b...), nil
	}
	out := make([]byte, 1, len(b)/2+1)
	out[0] = formatZstd
	return enc.EncodeAll(b, out), nil
}

func decodeRecord[T any](raw []byte) (*idempotency.Record[T], error) {
	if len(raw) == 0 {
		return nil, errors.New("decode idempotency record: empty payload")
	}

	body := raw[1:]
	switch raw[0] {
	case formatJSON:
	case formatZstd:
		var err error
		body, err = dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decode idempotency record: %w", err)
		}
	default:
		return nil, fmt.Errorf("decode idempotency record: unknown format %q", raw[0])
	}

	var rec idempotency.Record[T]
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}
