// Package datacache implements the clock-policy cache fronting the
// paged file for data pages (internal/storage/pagefile). Capacity is
// bounded; eviction sweeps entries in insertion order, decrementing a
// refcount on each visit, and takes the first entry whose refcount
// drops below 1 and which isn't the item currently being admitted.
package datacache

import (
	"sync"

	"github.com/sushant-115/domstore/internal/storage/cacheable"
)

// maxSweeps bounds the clock sweep so a cache where every resident item
// has a refcount high enough to survive one full lap still terminates
// instead of spinning forever while Add waits for room.
const maxSweeps = 4

type entry struct {
	item     cacheable.Item
	refcount int
}

// Stats tracks cache hit/miss counters for the data-page cache.
type Stats struct {
	Hits     uint64
	Misses   uint64
	Evictions uint64
}

// Cache is a bounded, clock-policy map from page number to data page.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    []uint32
	items    map[uint32]*entry
	clockPos int
	stats    Stats
}

// New returns a cache with the given capacity. A capacity of 0 is legal
// but useless: every Add first tries to evict a resident entry, so
// little stays cached.
func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		items:    make(map[uint32]*entry),
	}
}

// Add inserts item under its cache key, or, if already present,
// increments its refcount.
func (c *Cache) Add(item cacheable.Item, initialRefcount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := item.CacheKey()
	if e, ok := c.items[key]; ok {
		e.refcount++
		return nil
	}

	if len(c.items) >= c.capacity {
		if err := c.evictLocked(key); err != nil {
			return err
		}
	}

	c.items[key] = &entry{item: item, refcount: initialRefcount}
	c.order = append(c.order, key)
	return nil
}

// Get returns the cached item for key, if resident.
func (c *Cache) Get(key uint32) (cacheable.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if ok {
		c.stats.Hits++
		return e.item, true
	}
	c.stats.Misses++
	return nil, false
}

// Remove deletes key unconditionally, without writeback.
func (c *Cache) Remove(key uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Flush writes back every dirty entry without evicting anything.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.items {
		if e.item.IsDirty() {
			if err := e.item.Sync(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// evictLocked runs the clock sweep and evicts the first eligible entry.
// excludeKey is the key about to be admitted; it is never chosen.
func (c *Cache) evictLocked(excludeKey uint32) error {
	if len(c.order) == 0 {
		return nil
	}
	for sweep := 0; sweep < maxSweeps*len(c.order)+1; sweep++ {
		if c.clockPos >= len(c.order) {
			c.clockPos = 0
		}
		key := c.order[c.clockPos]
		e, ok := c.items[key]
		if !ok {
			// Stale slot from a prior Remove; compact it away.
			c.order = append(c.order[:c.clockPos], c.order[c.clockPos+1:]...)
			continue
		}
		if key == excludeKey {
			c.clockPos++
			continue
		}
		e.refcount--
		if e.refcount < 1 {
			if e.item.IsDirty() {
				if err := e.item.Sync(); err != nil {
					return err
				}
			}
			delete(c.items, key)
			c.order = append(c.order[:c.clockPos], c.order[c.clockPos+1:]...)
			c.stats.Evictions++
			return nil
		}
		c.clockPos++
	}
	// Every resident entry survived the sweep with refcount >= 1: the
	// cache is starved by over-pinning. Admit over capacity rather than
	// spin; callers are expected to bound residency by not over-pinning.
	return nil
}
