package mapping

import (
	"sync"
	"time"
)

// cacheEntry holds the mapping set of one (tenant, deviceType) plus its
// expiry deadline.
type cacheEntry struct {
	byName  map[string]FieldMapping
	expires time.Time
}

// Cache is a TTL-bounded cache of mapping sets keyed by
// (tenant, deviceType). It is owned by a Resolver, which invalidates it on
// schema publishes and mapping writes; the TTL is a backstop for writes
// performed by another process against the shared metadata store.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration

	hits   int64
	misses int64
}

// NewCache creates a cache with the given TTL. A non-positive TTL disables
// caching entirely; every lookup misses.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

func cacheKey(tenantID, deviceType string) string {
	return tenantID + "/" + deviceType
}

// get returns the cached mapping set, or nil on a miss.
func (c *Cache) get(tenantID, deviceType string) map[string]FieldMapping {
	if c.ttl <= 0 {
		return nil
	}

	c.mu.RLock()
	entry, ok := c.entries[cacheKey(tenantID, deviceType)]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expires) {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return entry.byName
}

// put stores a mapping set.
func (c *Cache) put(tenantID, deviceType string, byName map[string]FieldMapping) {
	if c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	c.entries[cacheKey(tenantID, deviceType)] = cacheEntry{
		byName:  byName,
		expires: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// Invalidate drops the cached set for one (tenant, deviceType).
func (c *Cache) Invalidate(tenantID, deviceType string) {
	c.mu.Lock()
	delete(c.entries, cacheKey(tenantID, deviceType))
	c.mu.Unlock()
}

// Counters returns hit and miss counts.
func (c *Cache) Counters() (hits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}
