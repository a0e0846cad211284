package storage

import (
	"context"
	"sync"
)

// InMemoryKeyStore keeps API keys in process memory. Tests and local
// development use it; deployments use PersistentKeyStore.
//
// Three indexes cover the three lookup shapes: by key string, by ID, and by
// client. Entries are copied on the way in and out so callers can never
// mutate stored state.
type InMemoryKeyStore struct {
	mu       sync.RWMutex
	byKey    map[string]*Key
	byID     map[string]*Key
	byClient map[string][]*Key
}

var _ APIKeyStore = (*InMemoryKeyStore)(nil)

// NewInMemoryKeyStore returns an empty store.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		byKey:    make(map[string]*Key),
		byID:     make(map[string]*Key),
		byClient: make(map[string][]*Key),
	}
}

func copyKey(k *Key) *Key {
	c := *k

	return &c
}

// FindByKey looks up a key by its plaintext value.
func (s *InMemoryKeyStore) FindByKey(_ context.Context, key string) (*Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	apiKey, ok := s.byKey[key]
	if !ok {
		return nil, false
	}

	return copyKey(apiKey), true
}

// Add stores a new key. Both the ID and the key string must be unused.
func (s *InMemoryKeyStore) Add(_ context.Context, apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[apiKey.ID]; exists {
		return ErrKeyAlreadyExists
	}

	if _, exists := s.byKey[apiKey.Key]; exists {
		return ErrKeyAlreadyExists
	}

	s.index(copyKey(apiKey))

	return nil
}

// Update replaces the stored key with the given ID. Key string and client
// reassignments re-index accordingly.
func (s *InMemoryKeyStore) Update(_ context.Context, apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[apiKey.ID]
	if !ok {
		return ErrKeyNotFound
	}

	s.unindexClient(existing.ClientID, existing.ID)

	if existing.Key != apiKey.Key {
		delete(s.byKey, existing.Key)
	}

	s.index(copyKey(apiKey))

	return nil
}

// Delete removes the key with the given ID.
func (s *InMemoryKeyStore) Delete(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[keyID]
	if !ok {
		return ErrKeyNotFound
	}

	delete(s.byKey, existing.Key)
	delete(s.byID, keyID)
	s.unindexClient(existing.ClientID, keyID)

	return nil
}

// ListByClient returns the client's keys. Unknown clients get an empty
// slice, not an error.
func (s *InMemoryKeyStore) ListByClient(_ context.Context, clientID string) ([]*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.byClient[clientID]

	result := make([]*Key, len(stored))
	for i, k := range stored {
		result[i] = copyKey(k)
	}

	return result, nil
}

// index inserts the entry into all three maps. Caller holds the write lock.
func (s *InMemoryKeyStore) index(k *Key) {
	s.byKey[k.Key] = k
	s.byID[k.ID] = k
	s.byClient[k.ClientID] = append(s.byClient[k.ClientID], k)
}

// unindexClient drops a key from the client index and removes the client
// entry once empty. Caller holds the write lock.
func (s *InMemoryKeyStore) unindexClient(clientID, keyID string) {
	keys := s.byClient[clientID]
	for i, k := range keys {
		if k.ID == keyID {
			s.byClient[clientID] = append(keys[:i], keys[i+1:]...)

			break
		}
	}

	if len(s.byClient[clientID]) == 0 {
		delete(s.byClient, clientID)
	}
}
