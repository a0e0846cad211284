package storage

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedKey(id, client string) *Key {
	return &Key{
		ID:          id,
		Key:         "clinquery_ak_test_" + id,
		ClientID:    client,
		Name:        "Key " + id,
		Permissions: []string{"views:execute"},
		Active:      true,
	}
}

func TestInMemoryKeyStoreAddFind(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewInMemoryKeyStore()
	key := seedKey("k1", "cohort-builder")

	require.NoError(t, store.Add(ctx, key))

	found, ok := store.FindByKey(ctx, key.Key)
	require.True(t, ok)
	assert.Equal(t, key.ID, found.ID)
	assert.Equal(t, key.ClientID, found.ClientID)

	missing, ok := store.FindByKey(ctx, "clinquery_ak_nope")
	assert.False(t, ok)
	assert.Nil(t, missing)
}

func TestInMemoryKeyStoreCopiesEntries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewInMemoryKeyStore()
	key := seedKey("k1", "cohort-builder")

	require.NoError(t, store.Add(ctx, key))

	// Mutating the caller's struct or a returned copy must not leak into
	// stored state.
	key.Name = "mutated after add"

	found, ok := store.FindByKey(ctx, key.Key)
	require.True(t, ok)
	assert.Equal(t, "Key k1", found.Name)

	found.Active = false

	again, ok := store.FindByKey(ctx, key.Key)
	require.True(t, ok)
	assert.True(t, again.Active)
}

func TestInMemoryKeyStoreUpdate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewInMemoryKeyStore()
	key := seedKey("k1", "cohort-builder")
	require.NoError(t, store.Add(ctx, key))

	updated := seedKey("k1", "cohort-builder")
	updated.Name = "Rotated dashboard key"
	updated.Active = false
	updated.Permissions = []string{"views:execute", "cohort:read"}

	require.NoError(t, store.Update(ctx, updated))

	found, ok := store.FindByKey(ctx, key.Key)
	require.True(t, ok)
	assert.Equal(t, "Rotated dashboard key", found.Name)
	assert.False(t, found.Active)
	assert.Len(t, found.Permissions, 2)
}

func TestInMemoryKeyStoreUpdateMovesClient(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewInMemoryKeyStore()
	require.NoError(t, store.Add(ctx, seedKey("k1", "team-a")))

	moved := seedKey("k1", "team-b")
	require.NoError(t, store.Update(ctx, moved))

	oldClient, err := store.ListByClient(ctx, "team-a")
	require.NoError(t, err)
	assert.Empty(t, oldClient)

	newClient, err := store.ListByClient(ctx, "team-b")
	require.NoError(t, err)
	assert.Len(t, newClient, 1)
}

func TestInMemoryKeyStoreDelete(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewInMemoryKeyStore()
	key := seedKey("k1", "cohort-builder")
	require.NoError(t, store.Add(ctx, key))

	require.NoError(t, store.Delete(ctx, key.ID))

	_, ok := store.FindByKey(ctx, key.Key)
	assert.False(t, ok)

	remaining, err := store.ListByClient(ctx, key.ClientID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestInMemoryKeyStoreListByClient(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewInMemoryKeyStore()
	require.NoError(t, store.Add(ctx, seedKey("a1", "analytics")))
	require.NoError(t, store.Add(ctx, seedKey("a2", "analytics")))
	require.NoError(t, store.Add(ctx, seedKey("d1", "dashboard")))

	analytics, err := store.ListByClient(ctx, "analytics")
	require.NoError(t, err)
	assert.Len(t, analytics, 2)

	dashboard, err := store.ListByClient(ctx, "dashboard")
	require.NoError(t, err)
	assert.Len(t, dashboard, 1)

	unknown, err := store.ListByClient(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, unknown)
	assert.Empty(t, unknown)
}

func TestInMemoryKeyStoreErrors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewInMemoryKeyStore()
	key := seedKey("k1", "cohort-builder")
	require.NoError(t, store.Add(ctx, key))

	t.Run("duplicate ID", func(t *testing.T) {
		dup := seedKey("k1", "other-client")
		assert.ErrorIs(t, store.Add(ctx, dup), ErrKeyAlreadyExists)
	})

	t.Run("duplicate key string", func(t *testing.T) {
		dup := seedKey("k2", "other-client")
		dup.Key = key.Key
		assert.ErrorIs(t, store.Add(ctx, dup), ErrKeyAlreadyExists)
	})

	t.Run("update unknown ID", func(t *testing.T) {
		assert.ErrorIs(t, store.Update(ctx, seedKey("ghost", "x")), ErrKeyNotFound)
	})

	t.Run("delete unknown ID", func(t *testing.T) {
		assert.ErrorIs(t, store.Delete(ctx, "ghost"), ErrKeyNotFound)
	})

	t.Run("nil key", func(t *testing.T) {
		assert.ErrorIs(t, store.Add(ctx, nil), ErrKeyNil)
		assert.ErrorIs(t, store.Update(ctx, nil), ErrKeyNil)
	})
}

func TestInMemoryKeyStoreConcurrency(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewInMemoryKeyStore()

	const workers = 50

	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(2)

		go func(id int) {
			defer wg.Done()

			key := &Key{
				ID:       fmt.Sprintf("key-%d", id),
				Key:      fmt.Sprintf("clinquery_ak_%064d", id),
				ClientID: "load-test",
				Active:   true,
			}
			if err := store.Add(ctx, key); err != nil {
				t.Errorf("concurrent Add: %v", err)
			}
		}(i)

		go func(id int) {
			defer wg.Done()

			_, _ = store.FindByKey(ctx, fmt.Sprintf("clinquery_ak_%064d", id))
			_, _ = store.ListByClient(ctx, "load-test")
		}(i)
	}

	wg.Wait()

	keys, err := store.ListByClient(ctx, "load-test")
	require.NoError(t, err)
	assert.Len(t, keys, workers)
}
