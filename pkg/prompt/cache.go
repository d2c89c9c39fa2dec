package prompt

import (
	"strings"
	"sync"
	"time"
)

type cacheEntry struct {
	res     *Resolution
	expires time.Time
}

// resolutionCache is a TTL map keyed by (user, message hash). Keys embed the
// user id so assignment changes can drop one user's entries without
// touching the rest.
type resolutionCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

func newResolutionCache(ttl time.Duration) *resolutionCache {
	if ttl <= 0 || ttl > 5*time.Minute {
		ttl = 5 * time.Minute
	}
	return &resolutionCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *resolutionCache) get(key string) (*Resolution, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return entry.res, true
}

func (c *resolutionCache) put(key string, res *Resolution) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{res: res, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *resolutionCache) clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *resolutionCache) dropUser(userID string) {
	prefix := userID + "\x00"
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}
