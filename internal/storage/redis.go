package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/character-harvester/internal/config"
	apperrors "github.com/character-harvester/internal/errors"
)

// RedisCache holds the Redis client that worker processes share rate limit
// state through. Commands are tiny, so timeouts are kept short: a slow Redis
// must not stall a scrape cycle.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects and pings before returning.
func NewRedisCache(ctx context.Context, cfg *config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		ClientName:   applicationName,
		PoolSize:     cfg.MaxConnections,
		MaxRetries:   2,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolTimeout:  2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.NewDatabaseError("redis connect", err)
	}
	return &RedisCache{client: client}, nil
}

func (r *RedisCache) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client is handed to ratelimit.NewRedisCoordinator.
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

func (r *RedisCache) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return apperrors.NewDatabaseError("redis ping", err)
	}
	return nil
}
