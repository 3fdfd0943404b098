package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache is a Redis-backed implementation of Cache for deployments that
// share cached stage results across processes. Expiry is delegated to Redis
// TTLs instead of explicit eviction.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// RedisCacheConfig configures a RedisCache.
type RedisCacheConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix defaults to "reportflow:".
	KeyPrefix string
}

// NewRedisCache connects to Redis and verifies the connection with a ping.
func NewRedisCache(cfg RedisCacheConfig, logger *zap.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "reportflow:"
	}
	return &RedisCache{
		client:    client,
		keyPrefix: prefix,
		logger:    logger.With(zap.String("component", "redis_cache")),
	}, nil
}

// NewRedisCacheFromClient wraps an existing client, used by tests and by
// callers that manage the client lifecycle themselves.
func NewRedisCacheFromClient(client *redis.Client, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{
		client:    client,
		keyPrefix: "reportflow:",
		logger:    logger.With(zap.String("component", "redis_cache")),
	}
}

func (c *RedisCache) cacheKey(p Partition, hash string) string {
	return c.keyPrefix + string(p) + ":" + hash
}

// CacheResult stores the payload with a Redis TTL and returns the derived key.
func (c *RedisCache) CacheResult(ctx context.Context, p Partition, payload map[string]any, ttl time.Duration, keyMaterial ...string) (string, error) {
	key := hashKey(keyMaterial)
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cache payload: %w", err)
	}
	if err := c.client.Set(ctx, c.cacheKey(p, key), data, ttl).Err(); err != nil {
		return "", err
	}
	return key, nil
}

// GetCached returns the live payload or ErrCacheMiss when Redis has no entry.
func (c *RedisCache) GetCached(ctx context.Context, p Partition, keyMaterial ...string) (map[string]any, error) {
	key := hashKey(keyMaterial)
	data, err := c.client.Get(ctx, c.cacheKey(p, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		// A corrupt entry behaves like a miss so the stage recomputes.
		c.logger.Warn("corrupt cache entry discarded", zap.String("key", key), zap.Error(err))
		_ = c.client.Del(ctx, c.cacheKey(p, key)).Err()
		return nil, ErrCacheMiss
	}
	return payload, nil
}

// Ping checks the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

var _ Cache = (*RedisCache)(nil)
