// Package querycache is a read-through cache keyed by resource kind and id.
// Invalidation marks entries stale; the next read re-fetches. Concurrent
// reads of the same key coalesce into one fetch so a push-triggered
// invalidation never races a REST fetch into duplicate requests.
package querycache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Kind names a cached resource shape.
type Kind string

const (
	KindTaskDetail Kind = "task_detail"
	KindTaskTree   Kind = "task_tree"
)

// Key identifies one cache entry.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string {
	return string(k.Kind) + "/" + k.ID
}

// FetchFunc loads a resource from the backend on miss or staleness.
type FetchFunc func(ctx context.Context) (any, error)

type entry struct {
	value any
	stale bool
}

// Cache is the in-memory read-through cache. versions counts invalidations
// per key so a fetch can tell whether one landed while it was in flight.
type Cache struct {
	mu       sync.RWMutex
	entries  map[Key]entry
	versions map[Key]uint64
	flights  singleflight.Group
}

func New() *Cache {
	return &Cache{
		entries:  make(map[Key]entry),
		versions: make(map[Key]uint64),
	}
}

// GetOrFetch returns the cached value, or fetches (once, shared across
// concurrent callers) when the entry is missing or stale. A failed fetch
// leaves any stale value in place and returns the error.
func (c *Cache) GetOrFetch(ctx context.Context, key Key, fetch FetchFunc) (any, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && !e.stale {
		return e.value, nil
	}

	v, err, _ := c.flights.Do(key.String(), func() (any, error) {
		// Another caller may have completed the fetch while this one waited.
		c.mu.RLock()
		e, ok := c.entries[key]
		began := c.versions[key]
		c.mu.RUnlock()
		if ok && !e.stale {
			return e.value, nil
		}

		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		// An invalidation that arrived mid-fetch may announce an update the
		// server had not applied when this read started, so the value lands
		// stale and the next read re-fetches.
		c.mu.Lock()
		c.entries[key] = entry{value: value, stale: c.versions[key] != began}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Invalidate marks the entry stale and bumps the key's invalidation count,
// which also catches a fetch currently in flight for the key. Nothing is
// fetched eagerly.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[key]++
	if e, ok := c.entries[key]; ok {
		e.stale = true
		c.entries[key] = e
	}
}

// Peek returns the cached value without triggering a fetch, along with
// whether it is present and fresh.
func (c *Cache) Peek(key Key) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.stale {
		return nil, false
	}
	return e.value, true
}
