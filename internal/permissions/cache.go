package permissions

import (
	"sync"

	"github.com/google/uuid"
)

// Versions pins a cached mask to the role and overwrite generation it was
// resolved under. Any role mutation bumps the server's role version and any
// overwrite mutation bumps the channel's overwrite version, so a version
// mismatch means the entry is stale.
type Versions struct {
	Role      int64
	Overwrite int64
}

type cacheKey struct {
	User    uuid.UUID
	Channel uuid.UUID
}

type cacheEntry struct {
	mask     Bits
	versions Versions
}

// Cache memoizes resolved masks per (user, channel). Entries are validated
// against the current versions on lookup instead of being invalidated
// eagerly, which keeps mutations cheap.
type Cache struct {
	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[cacheKey]cacheEntry)}
}

func (c *Cache) Get(user, channel uuid.UUID, v Versions) (Bits, bool) {
	c.mu.RLock()
	e, ok := c.entries[cacheKey{User: user, Channel: channel}]
	c.mu.RUnlock()
	if !ok || e.versions != v {
		return 0, false
	}
	return e.mask, true
}

func (c *Cache) Put(user, channel uuid.UUID, v Versions, mask Bits) {
	c.mu.Lock()
	c.entries[cacheKey{User: user, Channel: channel}] = cacheEntry{mask: mask, versions: v}
	c.mu.Unlock()
}
