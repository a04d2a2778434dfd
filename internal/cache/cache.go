// Package cache memoizes successful renders by a content-addressed key so
// logically identical jobs never pay for the same computation twice.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Key derives the cache key for a render: a SHA-256 over the
// whitespace-normalized source text plus a canonically ordered snapshot of
// the supplied parameters. The key is a pure function of logical content:
// two calls with equal source and equal parameters always collide, no matter
// which call site produced them.
func Key(source string, params map[string]string) string {
	h := sha256.New()
	h.Write([]byte(normalize(source)))

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		// Length-prefix each field so concatenation cannot collide.
		h.Write([]byte(strconv.Itoa(len(name))))
		h.Write([]byte(name))
		h.Write([]byte(strconv.Itoa(len(params[name]))))
		h.Write([]byte(params[name]))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// normalize collapses runs of whitespace to single spaces so incidental
// formatting differences do not defeat cache hits.
func normalize(source string) string {
	return strings.Join(strings.Fields(source), " ")
}

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Cache is a content-addressed memo of successful render artifacts. Entries
// are immutable once stored and leave only through Invalidate or Clear; there
// is no TTL. Concurrent GetOrCompute calls for one key collapse onto a single
// computation while different keys proceed in parallel.
type Cache struct {
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string][]byte
	hits    int64
	misses  int64
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string][]byte),
	}
}

// GetOrCompute returns the cached artifact for key, or runs compute and
// stores its result. A failing compute is never stored, so the next caller
// retries. Callers sharing a key while a computation is in flight receive
// the first caller's result.
func (c *Cache) GetOrCompute(key string, compute func() ([]byte, error)) ([]byte, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have populated the
		// entry between the miss above and winning the flight.
		if value, ok := c.lookup(key); ok {
			return value, nil
		}

		value, err := compute()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = value
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Get returns the cached artifact for key, counting the hit or miss.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.entries[key]
	if ok {
		c.hits++
		cacheHits.Inc()
	} else {
		c.misses++
		cacheMisses.Inc()
	}
	return value, ok
}

// lookup reads an entry without touching the hit/miss counters.
func (c *Cache) lookup(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.entries[key]
	return value, ok
}

// Invalidate removes a single entry.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes every entry and returns how many were dropped.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string][]byte)
	return n
}

// Len returns the number of stored entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns current effectiveness counters.
func (c *Cache) Snapshot() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries: len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
	}
}
