package steam

import (
	"sync"
	"time"
)

// responseCache is a read-through cache for raw response bodies, keyed by the
// full request URL including encoded parameters. Entries expire after ttl and
// are evicted lazily on lookup.
type responseCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

type cacheEntry struct {
	body []byte
	at   time.Time
}

func newResponseCache(ttl time.Duration) *responseCache {
	return &responseCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *responseCache) get(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.at) >= c.ttl {
		c.mu.Lock()
		// Re-check under the write lock; another goroutine may have refreshed.
		if e2, ok2 := c.entries[key]; ok2 && c.now().Sub(e2.at) >= c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.body, true
}

func (c *responseCache) put(key string, body []byte) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{body: body, at: c.now()}
	c.mu.Unlock()
}

func (c *responseCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
