package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache interface using Redis
type RedisCache struct {
	client  *redis.Client
	options Options

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64
}

// NewRedisCache creates a new Redis cache instance
func NewRedisCache(client *redis.Client, opts Options) *RedisCache {
	return &RedisCache{
		client:  client,
		options: opts,
	}
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, c.buildKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.misses.Add(1)
			return nil, ErrCacheMiss
		}
		c.errors.Add(1)
		return nil, fmt.Errorf("redis get error: %w", err)
	}

	c.hits.Add(1)
	return data, nil
}

// Set stores a value in cache with TTL
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.options.DefaultTTL
	}

	if err := c.client.Set(ctx, c.buildKey(key), value, ttl).Err(); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("redis set error: %w", err)
	}

	c.sets.Add(1)
	return nil
}

// Delete removes a key from cache
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.buildKey(key)).Err(); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("redis delete error: %w", err)
	}

	c.deletes.Add(1)
	return nil
}

// Ping checks if cache is available
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Stats returns a snapshot of the traffic counters
func (c *RedisCache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Errors:  c.errors.Load(),
	}
}

func (c *RedisCache) buildKey(key string) string {
	if c.options.Namespace != "" {
		return c.options.Namespace + ":" + key
	}
	return key
}
