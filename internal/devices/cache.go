package devices

import (
	"sync"
	"time"

	"github.com/lithium-project/lithium/internal/configstore"
)

// cacheEntry holds the last known value of a property and when it was observed.
type cacheEntry struct {
	value configstore.Value
	at    time.Time
}

// propertyCache holds the last-observed value of every property on a
// session, each entry timestamped so reads can decide whether the cached
// value is fresh enough or a live read is required. Per §4.3: "every reply
// that carries a property value updates the cache with a fresh timestamp.
// Reads prefer the cache if younger than a per-property staleness bound."
type propertyCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	bound   time.Duration // the one staleness bound for every property; zero means always stale
}

func newPropertyCache(staleness time.Duration) *propertyCache {
	return &propertyCache{entries: make(map[string]cacheEntry), bound: staleness}
}

// fresh returns the cached value for name if observed within the staleness bound.
func (c *propertyCache) fresh(name string) (configstore.Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok || c.bound <= 0 {
		return configstore.Value{}, false
	}
	if time.Since(e.at) > c.bound {
		return configstore.Value{}, false
	}
	return e.value, true
}

// update records a freshly observed property value.
func (c *propertyCache) update(name string, value configstore.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = cacheEntry{value: value, at: time.Now()}
}

// invalidate removes a cached entry, forcing the next read to go live.
func (c *propertyCache) invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
}

// reset clears every cached entry; used when a session reopens after a fault.
func (c *propertyCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
