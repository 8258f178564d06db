package config

import (
	"context"
	"sync"
	"time"
)

// CacheConfig holds configuration for knowledge caching.
type CacheConfig struct {
	// TTL is the time-to-live of a cached load.
	// Set to 0 for no expiration (manual invalidation only).
	TTL time.Duration
}

// CachedProvider serves loads of an underlying provider from memory until
// the TTL expires or Invalidate is called. Failed loads are not cached.
// Thread-safe for concurrent access.
type CachedProvider struct {
	next     Provider
	config   CacheConfig
	now      func() time.Time
	cached   *Knowledge
	cachedAt time.Time
	mu       sync.RWMutex
	loadMu   sync.Mutex
}

// NewCachedProvider wraps next.
func NewCachedProvider(next Provider, config CacheConfig) *CachedProvider {
	return &CachedProvider{next: next, config: config, now: time.Now}
}

// Load returns the cached knowledge, loading it when the cache is empty or
// expired. Concurrent misses share one load.
func (c *CachedProvider) Load(ctx context.Context) (*Knowledge, error) {
	if k := c.get(); k != nil {
		return k, nil
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if k := c.get(); k != nil {
		return k, nil
	}

	k, err := c.next.Load(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cached = k
	c.cachedAt = c.now()
	c.mu.Unlock()
	return k, nil
}

// Invalidate clears the cache, forcing a reload on the next Load.
func (c *CachedProvider) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cached = nil
}

// IsValid returns true if the cache holds an unexpired load.
func (c *CachedProvider) IsValid() bool {
	return c.get() != nil
}

func (c *CachedProvider) get() *Knowledge {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cached == nil {
		return nil
	}
	if c.config.TTL > 0 && c.now().Sub(c.cachedAt) > c.config.TTL {
		return nil
	}
	return c.cached
}
