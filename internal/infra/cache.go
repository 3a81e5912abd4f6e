package infra

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// TTLCache is a thread-safe cache with per-entry expiration and LRU eviction
// above a fixed capacity. Reads refresh recency; expiry always wins over
// recency.
type TTLCache[K comparable, V any] struct {
	mu         sync.Mutex
	entries    map[K]*list.Element
	order      *list.List // front = most recently used
	defaultTTL time.Duration
	capacity   int
	now        func() time.Time

	stopCh  chan struct{}
	stopped atomic.Bool

	hits   atomic.Uint64
	misses atomic.Uint64
	evicts atomic.Uint64
}

type cacheEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// CacheConfig configures a TTLCache.
type CacheConfig struct {
	// DefaultTTL is the time-to-live applied by Set.
	DefaultTTL time.Duration
	// Capacity bounds the number of live entries (0 = unlimited). The least
	// recently used entry is evicted when the bound is exceeded.
	Capacity int
	// CleanupInterval sets how often expired entries are swept out in the
	// background (0 = sweep only on access).
	CleanupInterval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewTTLCache creates a cache with the given configuration.
func NewTTLCache[K comparable, V any](config CacheConfig) *TTLCache[K, V] {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	c := &TTLCache[K, V]{
		entries:    make(map[K]*list.Element),
		order:      list.New(),
		defaultTTL: config.DefaultTTL,
		capacity:   config.Capacity,
		now:        config.Now,
		stopCh:     make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go c.cleanupLoop(config.CleanupInterval)
	}

	return c
}

// Set stores a value with the default TTL.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value with a custom TTL.
func (c *TTLCache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(ttl)
	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*cacheEntry[K, V])
		ent.value = value
		ent.expiresAt = expires
		c.order.MoveToFront(el)
		return
	}

	if c.capacity > 0 && len(c.entries) >= c.capacity {
		c.evictLRU()
	}

	c.entries[key] = c.order.PushFront(&cacheEntry[K, V]{key: key, value: value, expiresAt: expires})
}

// Get retrieves a live value and marks it most recently used.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}

	ent := el.Value.(*cacheEntry[K, V])
	if c.now().After(ent.expiresAt) {
		c.removeLocked(el)
		c.misses.Add(1)
		var zero V
		return zero, false
	}

	c.order.MoveToFront(el)
	c.hits.Add(1)
	return ent.value, true
}

// Contains reports whether the key exists and has not expired, without
// touching recency order.
func (c *TTLCache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	return c.now().Before(el.Value.(*cacheEntry[K, V]).expiresAt)
}

// Delete removes a key.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

// Clear drops every entry.
func (c *TTLCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]*list.Element)
	c.order.Init()
}

// Len returns the number of stored entries, expired ones included until the
// next sweep or access.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cleanup removes expired entries and returns how many were dropped.
func (c *TTLCache[K, V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*cacheEntry[K, V]).expiresAt) {
			c.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Stats returns counters accumulated since creation.
func (c *TTLCache[K, V]) Stats() CacheStats {
	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return CacheStats{
		Size:     size,
		Capacity: c.capacity,
		Hits:     hits,
		Misses:   misses,
		Evicts:   c.evicts.Load(),
		HitRate:  hitRate,
	}
}

// CacheStats contains cache counters.
type CacheStats struct {
	Size     int
	Capacity int
	Hits     uint64
	Misses   uint64
	Evicts   uint64
	HitRate  float64
}

// Stop terminates the background sweep goroutine, if any.
func (c *TTLCache[K, V]) Stop() {
	if c.stopped.CompareAndSwap(false, true) {
		close(c.stopCh)
	}
}

func (c *TTLCache[K, V]) evictLRU() {
	el := c.order.Back()
	if el == nil {
		return
	}
	c.removeLocked(el)
	c.evicts.Add(1)
}

func (c *TTLCache[K, V]) removeLocked(el *list.Element) {
	ent := el.Value.(*cacheEntry[K, V])
	delete(c.entries, ent.key)
	c.order.Remove(el)
}

func (c *TTLCache[K, V]) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-c.stopCh:
			return
		}
	}
}
