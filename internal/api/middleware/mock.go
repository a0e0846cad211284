// Package middleware provides HTTP middleware components for the clinquery API.
package middleware

import (
	"context"

	"github.com/clinquery/clinquery/internal/storage"
)

// MockAPIKeyStore is a function-field test double for storage.APIKeyStore.
// Unset fields fall back to empty results rather than panicking.
type MockAPIKeyStore struct {
	FindByKeyFunc    func(ctx context.Context, key string) (*storage.Key, bool)
	AddFunc          func(ctx context.Context, apiKey *storage.Key) error
	UpdateFunc       func(ctx context.Context, apiKey *storage.Key) error
	DeleteFunc       func(ctx context.Context, keyID string) error
	ListByClientFunc func(ctx context.Context, clientID string) ([]*storage.Key, error)
}

var _ storage.APIKeyStore = (*MockAPIKeyStore)(nil)

func (m *MockAPIKeyStore) FindByKey(ctx context.Context, key string) (*storage.Key, bool) {
	if m.FindByKeyFunc == nil {
		return nil, false
	}

	return m.FindByKeyFunc(ctx, key)
}

func (m *MockAPIKeyStore) Add(ctx context.Context, apiKey *storage.Key) error {
	if m.AddFunc == nil {
		return nil
	}

	return m.AddFunc(ctx, apiKey)
}

func (m *MockAPIKeyStore) Update(ctx context.Context, apiKey *storage.Key) error {
	if m.UpdateFunc == nil {
		return nil
	}

	return m.UpdateFunc(ctx, apiKey)
}

func (m *MockAPIKeyStore) Delete(ctx context.Context, keyID string) error {
	if m.DeleteFunc == nil {
		return nil
	}

	return m.DeleteFunc(ctx, keyID)
}

func (m *MockAPIKeyStore) ListByClient(ctx context.Context, clientID string) ([]*storage.Key, error) {
	if m.ListByClientFunc == nil {
		return []*storage.Key{}, nil
	}

	return m.ListByClientFunc(ctx, clientID)
}
