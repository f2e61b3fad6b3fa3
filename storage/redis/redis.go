// Package redis provides a Redis-backed storage backend.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/varycache/varycache"
)

// Cache stores entries in Redis, mapping TTLs to native key expiry.
type Cache struct {
	client *redis.Client
	prefix string
}

// New wraps an existing Redis client. All keys are stored under the given
// prefix so the cache can share a database with other users.
func New(client *redis.Client, prefix string) *Cache {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, varycache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
