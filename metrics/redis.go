package metrics

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis aggregates counters in Redis hashes so every instance contributes to one view.
//
// Layout (prefix defaults to "reqguard:metrics"):
//
//	<prefix>:total                 hash kind -> count, never expires
//	<prefix>:minute:<yyyymmddHHMM> hash kind -> count, expires after TTL
//	<prefix>:scope                 hash "<scope>:<kind>" -> count
//	<prefix>:key:<key>             hash kind -> count, only with key tracking, expires after TTL
type Redis struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	trackKeys bool
}

// RedisOption configures a Redis recorder.
type RedisOption func(*Redis)

// RedisWithPrefix sets the key prefix.
func RedisWithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = strings.Trim(prefix, ":") }
}

// RedisWithTTL sets the expiry of per-minute and per-key hashes.
func RedisWithTTL(d time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = d }
}

// RedisWithTrackKeys enables per-key hashes.
func RedisWithTrackKeys(track bool) RedisOption {
	return func(r *Redis) { r.trackKeys = track }
}

// NewRedis creates a recorder writing to client. The client is owned by the caller.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: "reqguard:metrics",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record implements Recorder using a single pipelined round trip.
func (r *Redis) Record(ctx context.Context, ev Event) error {
	if r == nil || r.client == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := string(ev.Kind)

	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, r.prefix+":total", field, 1)

	minuteKey := r.prefix + ":minute:" + at.UTC().Format("200601021504")
	pipe.HIncrBy(ctx, minuteKey, field, 1)
	if r.ttl > 0 {
		pipe.Expire(ctx, minuteKey, r.ttl)
	}

	if scope := strings.TrimSpace(ev.Scope); scope != "" {
		pipe.HIncrBy(ctx, r.prefix+":scope", scope+":"+field, 1)
	}

	if r.trackKeys {
		if k := strings.TrimSpace(ev.Key); k != "" {
			keyKey := r.prefix + ":key:" + k
			pipe.HIncrBy(ctx, keyKey, field, 1)
			if r.ttl > 0 {
				pipe.Expire(ctx, keyKey, r.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}
