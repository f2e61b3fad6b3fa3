// Package memory provides an in-process storage backend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/varycache/varycache"
)

type entry struct {
	expires time.Time
	value   []byte
}

// Cache is an in-memory storage backend. The size limit is best effort:
// expired entries are dropped when a write pushes the cache over the
// limit, then the entries closest to expiry are evicted until it fits.
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]entry
	size      int64
	sizeLimit int64
}

// New creates an in-memory cache. A sizeLimit of zero means unlimited.
func New(sizeLimit int64) *Cache {
	return &Cache{
		entries:   make(map[string]entry),
		sizeLimit: sizeLimit,
	}
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		return nil, varycache.ErrNotFound
	}
	return e.value, nil
}

func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok {
		c.size -= int64(len(old.value))
	}
	c.entries[key] = entry{expires: time.Now().Add(ttl), value: value}
	c.size += int64(len(value))
	if c.sizeLimit > 0 && c.size > c.sizeLimit {
		c.prune()
	}
	return nil
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	count := 0
	now := time.Now()
	for _, e := range c.entries {
		if !now.After(e.expires) {
			count++
		}
	}
	return count
}

// prune drops expired entries, then evicts the entries closest to expiry
// until the cache fits the size limit again. Callers hold the write lock.
func (c *Cache) prune() {
	now := time.Now()
	for key, e := range c.entries {
		if now.After(e.expires) {
			c.size -= int64(len(e.value))
			delete(c.entries, key)
		}
	}
	for c.size > c.sizeLimit {
		var oldestKey string
		var oldest time.Time
		for key, e := range c.entries {
			if oldestKey == "" || e.expires.Before(oldest) {
				oldestKey = key
				oldest = e.expires
			}
		}
		if oldestKey == "" {
			return
		}
		c.size -= int64(len(c.entries[oldestKey].value))
		delete(c.entries, oldestKey)
	}
}
