// Package btreecache implements the reference-counted cache used by the
// B+-tree (internal/storage/btree) to pin node pages in memory.
// Insertion order is preserved; eviction takes the oldest entry whose
// AllowUnload reports true, so a node that is currently pinned by an
// in-flight traversal is never reclaimed out from under it.
package btreecache

import (
	"fmt"
	"sync"

	"github.com/sushant-115/domstore/internal/storage/cacheable"
	"github.com/sushant-115/domstore/internal/storage/storeerr"
)

// maxRestarts bounds the number of times the eviction scan restarts
// from the head after a full pass finds nothing evictable. The source
// this is modeled on restarts unconditionally and can spin forever if
// every resident entry is pinned; this cache gives up with ErrCacheFull
// instead.
const maxRestarts = 3

type entry struct {
	item     cacheable.Item
	refcount int
}

type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Cache is a bounded, insertion-order, refcounted map from page number
// to B+-tree node.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    []uint32
	items    map[uint32]*entry
	stats    Stats
}

func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		items:    make(map[uint32]*entry),
	}
}

// Add inserts item, or increments its refcount if already resident.
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

// Get returns the cached node for key, if resident.
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

// Pin increments key's refcount; the caller must already know key is
// resident (e.g. from a prior Add or Get).
func (c *Cache) Pin(key uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		e.refcount++
	}
}

// Unpin decrements key's refcount, floored at zero.
func (c *Cache) Unpin(key uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok && e.refcount > 0 {
		e.refcount--
	}
}

func (c *Cache) Remove(key uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Flush syncs every dirty entry.
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

func (c *Cache) evictLocked(excludeKey uint32) error {
	for restart := 0; restart < maxRestarts; restart++ {
		for i, key := range c.order {
			if key == excludeKey {
				continue
			}
			e, ok := c.items[key]
			if !ok {
				continue
			}
			if !e.item.AllowUnload() {
				continue
			}
			if e.item.IsDirty() {
				if err := e.item.Sync(); err != nil {
					return err
				}
			}
			delete(c.items, key)
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.stats.Evictions++
			return nil
		}
	}
	return fmt.Errorf("%w: capacity %d", storeerr.ErrCacheFull, c.capacity)
}
