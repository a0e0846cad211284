package runner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/clinquery/clinquery/internal/views"
)

// cacheEntry pairs a cached result with its expiry deadline.
type cacheEntry struct {
	result    *Result
	expiresAt time.Time
}

// ResultCache is a bounded-lifetime cache for relational query results.
// Eviction is lazy: expired entries are dropped when looked up. Clear resets
// entries and counters together.
type ResultCache struct {
	mutex   sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	hits    int64
	misses  int64
	now     func() time.Time
}

// NewResultCache creates an empty cache with the given entry lifetime.
func NewResultCache(ttl time.Duration) *ResultCache {
	return &ResultCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the live entry under key. Every lookup updates the hit or miss
// counter.
func (c *ResultCache) Get(key string) (*Result, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		c.misses++

		return nil, false
	}

	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		c.misses++

		return nil, false
	}

	c.hits++

	return entry.result, true
}

// Put stores a result under key.
func (c *ResultCache) Put(key string, result *Result) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries[key] = cacheEntry{
		result:    result,
		expiresAt: c.now().Add(c.ttl),
	}
}

// Clear drops all entries and resets the counters atomically.
func (c *ResultCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries = make(map[string]cacheEntry)
	c.hits = 0
	c.misses = 0
}

// Counters returns the hit and miss totals.
func (c *ResultCache) Counters() (int64, int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.hits, c.misses
}

// Len reports the number of stored entries, expired or not.
func (c *ResultCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return len(c.entries)
}

// cacheKey builds a deterministic fingerprint of one execution request. The
// select tree and predicates participate so a revised view definition under
// the same name never serves stale rows.
func cacheKey(def *views.ViewDefinition, filters map[string]any, limit int, predicates []string) string {
	h := sha256.New()

	fmt.Fprintf(h, "%s|%s|%d|", def.Name, def.ResourceKind(), limit)

	// JSON encoding sorts map keys, so equal filter maps hash equally.
	if encoded, err := json.Marshal(filters); err == nil {
		h.Write(encoded)
	}

	h.Write([]byte{'|'})

	if encoded, err := json.Marshal(def.Select); err == nil {
		h.Write(encoded)
	}

	for _, pred := range predicates {
		h.Write([]byte{'|'})
		h.Write([]byte(pred))
	}

	return hex.EncodeToString(h.Sum(nil))
}
