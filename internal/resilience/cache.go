// Package resilience provides the domain-agnostic primitives that keep the
// resolution pipeline responsive under load: a bounded TTL cache, request
// coalescing, retry with backoff, per-dependency circuit breakers and per-user
// admission control.
package resilience

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Sizer reports the approximate size in bytes of a cached value.
type Sizer[V any] func(V) int

// CacheConfig bounds a Cache.
type CacheConfig struct {
	// Capacity is the maximum number of entries (required).
	Capacity int
	// MaxBytes bounds the summed Sizer result of all entries. Zero disables the byte bound.
	MaxBytes int64
}

// CacheStats tracks cache performance for monitoring.
type CacheStats struct {
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
	size      int64
}

// Cache is a thread-safe LRU cache with per-entry TTL.
// When full, expired entries are swept before any live entry is evicted.
type Cache[V any] struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, *cacheEntry[V]]
	capacity int
	maxBytes int64
	bytes    int64
	sizer    Sizer[V]
	now      func() time.Time

	// earliest expiry among stored entries; lets Put skip sweeps that cannot free anything
	nextExpiry time.Time

	hits      int64
	misses    int64
	evictions int64
	expired   int64
}

// CacheOption configures a Cache.
type CacheOption[V any] func(*Cache[V])

// WithSizer enables byte accounting.
func WithSizer[V any](s Sizer[V]) CacheOption[V] {
	return func(c *Cache[V]) { c.sizer = s }
}

// WithCacheClock overrides the time source.
func WithCacheClock[V any](now func() time.Time) CacheOption[V] {
	return func(c *Cache[V]) { c.now = now }
}

// NewCache creates a cache bounded by cfg.
func NewCache[V any](cfg CacheConfig, opts ...CacheOption[V]) *Cache[V] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	c := &Cache[V]{
		capacity: cfg.Capacity,
		maxBytes: cfg.MaxBytes,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	// Error only occurs for size <= 0, which is guarded above.
	c.lru, _ = simplelru.NewLRU[string, *cacheEntry[V]](cfg.Capacity, func(_ string, e *cacheEntry[V]) {
		c.bytes -= e.size
	})
	return c
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		c.lru.Remove(key)
		c.expired++
		c.misses++
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Put stores value under key for ttl. A non-positive ttl or a value larger than
// the byte bound is not stored.
func (c *Cache[V]) Put(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var size int64
	if c.sizer != nil {
		size = int64(c.sizer(value))
	}
	if c.maxBytes > 0 && size > c.maxBytes {
		return
	}

	entry := &cacheEntry[V]{value: value, expiresAt: now.Add(ttl), size: size}

	if old, ok := c.lru.Peek(key); ok {
		c.bytes += size - old.size
		c.lru.Add(key, entry)
	} else {
		c.makeRoom(now, size)
		c.lru.Add(key, entry)
		c.bytes += size
	}

	if c.nextExpiry.IsZero() || entry.expiresAt.Before(c.nextExpiry) {
		c.nextExpiry = entry.expiresAt
	}

	for c.maxBytes > 0 && c.bytes > c.maxBytes && c.lru.Len() > 1 {
		c.evictOldest()
	}
}

// makeRoom frees space for one new entry of the given size (must hold lock).
func (c *Cache[V]) makeRoom(now time.Time, size int64) {
	full := c.lru.Len() >= c.capacity || (c.maxBytes > 0 && c.bytes+size > c.maxBytes)
	if !full {
		return
	}
	if !c.nextExpiry.IsZero() && !now.Before(c.nextExpiry) {
		c.sweepLocked(now)
	}
	for c.lru.Len() >= c.capacity {
		c.evictOldest()
	}
	for c.maxBytes > 0 && c.bytes+size > c.maxBytes && c.lru.Len() > 0 {
		c.evictOldest()
	}
}

func (c *Cache[V]) evictOldest() {
	if _, _, ok := c.lru.RemoveOldest(); ok {
		c.evictions++
	}
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Sweep removes all expired entries and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

func (c *Cache[V]) sweepLocked(now time.Time) int {
	removed := 0
	var next time.Time
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if !now.Before(e.expiresAt) {
			c.lru.Remove(key)
			removed++
			continue
		}
		if next.IsZero() || e.expiresAt.Before(next) {
			next = e.expiresAt
		}
	}
	c.expired += int64(removed)
	c.nextExpiry = next
	return removed
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of cache counters.
func (c *Cache[V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:   c.lru.Len(),
		Bytes:     c.bytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
	}
}
