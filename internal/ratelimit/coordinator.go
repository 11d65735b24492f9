package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes for cross-process rate limit state.
const (
	KeyPrefixExhausted = "harvest:budget:exhausted:"
	KeyPrefixToken     = "harvest:budget:token:"
	KeyPrefixEvents    = "harvest:events:"
)

// markExhaustedScript keeps the later of the stored and the proposed reset
// deadline (unix millis) so concurrent reporters never shorten a pause.
var markExhaustedScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local candidate = tonumber(ARGV[1])
if candidate > current then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return candidate
end
return current
`)

// RedisCoordinator shares point-budget exhaustion and bearer tokens between
// worker processes that use the same rankings credential, so one process
// hitting the limit pauses all of them.
type RedisCoordinator struct {
	redis redis.Cmdable
	ttl   time.Duration
}

// RedisCoordinatorConfig holds configuration for the coordinator.
type RedisCoordinatorConfig struct {
	// Redis is the client shared by all workers. Required.
	Redis redis.Cmdable

	// TTL bounds the lifetime of every key. Default: 2h.
	TTL time.Duration
}

// Validate checks if the configuration is valid.
func (c *RedisCoordinatorConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TTL < 0 {
		return errors.New("ttl cannot be negative")
	}
	return nil
}

// NewRedisCoordinator creates a coordinator.
func NewRedisCoordinator(cfg *RedisCoordinatorConfig) (*RedisCoordinator, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultCoordinatorTTL
	}

	return &RedisCoordinator{redis: cfg.Redis, ttl: ttl}, nil
}

// MarkExhausted publishes that credential is exhausted until resetAt.
// Returns the deadline now stored, which may be later than resetAt.
func (c *RedisCoordinator) MarkExhausted(ctx context.Context, credential string, resetAt time.Time) (time.Time, error) {
	key := KeyPrefixExhausted + credential
	stored, err := markExhaustedScript.Run(ctx, c.redis, []string{key},
		resetAt.UnixMilli(), c.ttl.Milliseconds()).Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to mark budget exhausted: %w", err)
	}
	return time.UnixMilli(stored), nil
}

// ExhaustedUntil returns the shared reset deadline for credential, or the
// zero time when no process has reported exhaustion.
func (c *RedisCoordinator) ExhaustedUntil(ctx context.Context, credential string) (time.Time, error) {
	raw, err := c.redis.Get(ctx, KeyPrefixExhausted+credential).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read exhaustion deadline: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid exhaustion deadline %q: %w", raw, err)
	}
	return time.UnixMilli(ms), nil
}

// StoreToken caches a bearer token for other processes until it expires.
func (c *RedisCoordinator) StoreToken(ctx context.Context, credential, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.redis.Set(ctx, KeyPrefixToken+credential, token, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// LoadToken returns a cached token and its remaining lifetime. ok is false
// when no token is cached.
func (c *RedisCoordinator) LoadToken(ctx context.Context, credential string) (token string, ttl time.Duration, ok bool, err error) {
	key := KeyPrefixToken + credential

	pipe := c.redis.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return "", 0, false, fmt.Errorf("failed to load token: %w", err)
	}

	token, err = getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to load token: %w", err)
	}
	ttl = ttlCmd.Val()
	if ttl <= 0 {
		return "", 0, false, nil
	}
	return token, ttl, true, nil
}

// RecordEvent increments a shared per-kind counter (throttled, exhausted,
// malformed, ...). Failures are returned but callers usually only log them.
func (c *RedisCoordinator) RecordEvent(ctx context.Context, kind, event string, n int64) error {
	if n == 0 {
		return nil
	}
	key := KeyPrefixEvents + kind
	pipe := c.redis.TxPipeline()
	pipe.HIncrBy(ctx, key, event, n)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Events returns the shared counters for kind.
func (c *RedisCoordinator) Events(ctx context.Context, kind string) (map[string]int64, error) {
	raw, err := c.redis.HGetAll(ctx, KeyPrefixEvents+kind).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[field] = n
	}
	return out, nil
}
