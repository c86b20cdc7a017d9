package cache

import (
	"context"
	"time"

	"coinstream/src/logger"
	"coinstream/src/models"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// -----------------------------------------------------------------------------

// RedisCache is the shared TTL cache backend for multi-instance deployments.
// A Redis outage degrades to a cold cache: reads miss, writes are dropped.
type RedisCache struct {
	client *redis.Client
	logger *logger.Logger
}

// -----------------------------------------------------------------------------

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(cfg models.MCacheConfig, log *logger.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client, logger: log}, nil
}

// -----------------------------------------------------------------------------

// Get implements interfaces.ICache. Backend errors count as misses.
func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) bool {
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.logger.Warning("Redis read failed for key '%s': %v", key, err)
		return false
	}

	if err := json.Unmarshal(payload, dest); err != nil {
		c.logger.Warning("Failed to decode cached value for key '%s': %v", key, err)
		return false
	}
	return true
}

// -----------------------------------------------------------------------------

// Set implements interfaces.ICache.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.Warning("Failed to encode value for cache key '%s': %v", key, err)
		return
	}

	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		c.logger.Warning("Redis write failed for key '%s': %v", key, err)
	}
}

// -----------------------------------------------------------------------------

// Delete implements interfaces.ICache.
func (c *RedisCache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warning("Redis delete failed for key '%s': %v", key, err)
	}
}

// -----------------------------------------------------------------------------

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
