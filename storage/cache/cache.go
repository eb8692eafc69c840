// Package cache implements NexaDB's block cache: an in-memory
// LRU of recently-read values keyed by logical key, with single-flight miss
// handling so concurrent readers of the same cold key share one disk read.
// Built on github.com/hashicorp/golang-lru/v2 rather than a hand-rolled
// buffer pool.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Entry is a cached, decoded value plus the tombstone flag, so a cached
// negative (deleted) lookup doesn't have to re-touch disk either.
type Entry struct {
	Value     []byte
	Tombstone bool
}

// Cache is a bounded, concurrency-safe LRU cache of logical-key -> Entry.
type Cache struct {
	lru   *lru.Cache[string, Entry]
	group singleflight.Group
}

// New creates a cache bounded to entries items (default: 10,000).
func New(entries int) *Cache {
	if entries <= 0 {
		entries = 10_000
	}
	c, _ := lru.New[string, Entry](entries)
	return &Cache{lru: c}
}

// Get returns the cached entry for key, if present.
func (c *Cache) Get(key string) (Entry, bool) {
	return c.lru.Get(key)
}

// GetOrLoad returns the cached entry for key, or calls load exactly once
// among concurrent callers racing on the same key (single-flight), caching
// the result before returning it.
func (c *Cache) GetOrLoad(key string, load func() (Entry, error)) (Entry, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		e, err := load()
		if err != nil {
			return Entry{}, err
		}
		c.lru.Add(key, e)
		return e, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// Invalidate removes key from the cache.
func (c *Cache) Invalidate(key string) {
	c.lru.Remove(key)
}

// InvalidateAll clears the entire cache, used when compaction removes the
// sorted runs whose offsets the cache may still reference.
func (c *Cache) InvalidateAll() {
	c.lru.Purge()
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int { return c.lru.Len() }
