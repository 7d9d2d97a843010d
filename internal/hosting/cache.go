package hosting

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// readCache memoizes read-only responses (trees, file contents) for the
// lifetime of one batch run. Not-found results are cached too, since the
// absence of an override file is the common case. Transient failures are
// not cached. Concurrent requests for the same key share one fetch.
type readCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

type cacheEntry struct {
	val any
	err error
}

func newReadCache() *readCache {
	return &readCache{entries: make(map[string]cacheEntry)}
}

// get returns the cached value for key, calling fetch on a miss.
func (c *readCache) get(key string, fetch func() (any, error)) (any, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)
		return e.val, e.err
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check: a previous flight may have filled the entry between
		// our read and acquiring the flight.
		c.mu.RLock()
		e, ok := c.entries[key]
		c.mu.RUnlock()

		if ok {
			return e.val, e.err
		}

		c.misses.Add(1)

		val, ferr := fetch()
		if ferr == nil || errors.Is(ferr, ErrNotFound) {
			c.mu.Lock()
			c.entries[key] = cacheEntry{val: val, err: ferr}
			c.mu.Unlock()
		}

		return val, ferr
	})

	return v, err
}

// reset drops every entry. Called at batch start.
func (c *readCache) reset() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
	c.hits.Store(0)
	c.misses.Store(0)
}

// CacheStats reports read cache effectiveness for the current batch.
type CacheStats struct {
	Hits   int64
	Misses int64
}

func (c *readCache) stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}
