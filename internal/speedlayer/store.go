// Package speedlayer implements the recent-writes cache: the freshness path of
// the dual-layer serving architecture. Documents written to the upstream store
// are mirrored here by the ingestor under keys of form <kind-lowercased>:<id>
// with a per-kind TTL, and the speed runner scans them to report recent
// activity alongside batch results.
package speedlayer

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Sentinel errors for cache operations.
var (
	// ErrEntryNotFound is returned when no live entry exists under the key.
	ErrEntryNotFound = errors.New("recent-writes entry not found")

	// ErrEntryNil is returned when a nil document is written.
	ErrEntryNil = errors.New("recent-writes document cannot be nil")
)

// Entry is one cached recent write: the document body, the kind label, and
// the write timestamp used for since-filtering.
type Entry struct {
	Key      string
	Kind     string
	Resource map[string]any
	CachedAt time.Time
}

// Store is the recent-writes cache contract. Implementations must expire
// entries after their TTL and support scanning all live entries of one kind.
//
// Implemented by: MemoryStore, PostgresStore.
type Store interface {
	// Put writes a document under <kind-lowercased>:<id> with the given TTL,
	// replacing any previous entry.
	Put(ctx context.Context, kind, id string, resource map[string]any, ttl time.Duration) error

	// Get returns the live entry under <kind-lowercased>:<id>, or
	// ErrEntryNotFound.
	Get(ctx context.Context, kind, id string) (*Entry, error)

	// ScanKind returns live entries of the given kind whose write timestamp
	// is at or after since, newest first, capped at limit (limit <= 0 means
	// no cap).
	ScanKind(ctx context.Context, kind string, since time.Time, limit int) ([]Entry, error)

	// Close releases the store's resources.
	Close() error
}

// EntryKey builds the cache key for a document.
func EntryKey(kind, id string) string {
	return strings.ToLower(kind) + ":" + id
}

// memoryEntry carries the entry plus its expiry deadline.
type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryStore is a thread-safe in-process recent-writes cache. Expiry is
// lazy: entries past their deadline are dropped when touched by a lookup or
// scan.
type MemoryStore struct {
	entries map[string]memoryEntry
	mutex   sync.RWMutex
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory recent-writes cache.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Put writes a document under <kind-lowercased>:<id>.
func (s *MemoryStore) Put(_ context.Context, kind, id string, resource map[string]any, ttl time.Duration) error {
	if resource == nil {
		return ErrEntryNil
	}

	key := EntryKey(kind, id)
	now := s.now()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.entries[key] = memoryEntry{
		entry: Entry{
			Key:      key,
			Kind:     kind,
			Resource: resource,
			CachedAt: now,
		},
		expiresAt: now.Add(ttl),
	}

	return nil
}

// Get returns the live entry under <kind-lowercased>:<id>.
func (s *MemoryStore) Get(_ context.Context, kind, id string) (*Entry, error) {
	key := EntryKey(kind, id)
	now := s.now()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	me, exists := s.entries[key]
	if !exists {
		return nil, ErrEntryNotFound
	}

	if now.After(me.expiresAt) {
		delete(s.entries, key)

		return nil, ErrEntryNotFound
	}

	entryCopy := me.entry

	return &entryCopy, nil
}

// ScanKind returns live entries of the given kind written at or after since,
// newest first.
func (s *MemoryStore) ScanKind(_ context.Context, kind string, since time.Time, limit int) ([]Entry, error) {
	prefix := strings.ToLower(kind) + ":"
	now := s.now()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	var matches []Entry

	for key, me := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}

		if now.After(me.expiresAt) {
			delete(s.entries, key)

			continue
		}

		if me.entry.CachedAt.Before(since) {
			continue
		}

		matches = append(matches, me.entry)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CachedAt.After(matches[j].CachedAt)
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	return matches, nil
}

// Len reports the number of stored entries, expired or not. Used by tests.
func (s *MemoryStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.entries)
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
)
