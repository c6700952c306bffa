package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache backed by an expirable LRU.
// The LRU's own TTL caps entry lifetime; per-call TTLs are enforced on read.
type MemoryCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, memoryEntry]
	now func() time.Time
}

// NewMemoryCache creates a memory cache holding at most size entries, none
// living longer than maxTTL.
func NewMemoryCache(size int, maxTTL time.Duration) *MemoryCache {
	if size <= 0 {
		size = 10000
	}
	if maxTTL <= 0 {
		maxTTL = 2 * time.Hour
	}
	return &MemoryCache{
		lru: expirable.NewLRU[string, memoryEntry](size, nil, maxTTL),
		now: time.Now,
	}
}

func (c *MemoryCache) getLocked(key string) ([]byte, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return entry.value, true
}

func (c *MemoryCache) setLocked(key string, value []byte, ttl time.Duration) {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.lru.Add(key, entry)
}

// Get returns a copy of the stored value or ErrCacheMiss
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.getLocked(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), value...), nil
}

// Set stores value under key
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
	return nil
}

// SetNX stores value only if no live entry exists
func (c *MemoryCache) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.getLocked(key); ok {
		return false, nil
	}
	c.setLocked(key, value, ttl)
	return true, nil
}

// Delete removes keys, ignoring absent ones
func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.lru.Remove(key)
	}
	return nil
}

// DeletePrefix removes keys starting with prefix
func (c *MemoryCache) DeletePrefix(_ context.Context, prefix string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var deleted int
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
			deleted++
		}
	}
	return deleted, nil
}

// Len reports the number of stored entries, including expired ones not yet evicted
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

func (c *MemoryCache) Ping(context.Context) error { return nil }

// Close drops every entry
func (c *MemoryCache) Close() error {
	c.lru.Purge()
	return nil
}
