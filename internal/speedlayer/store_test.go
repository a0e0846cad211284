package speedlayer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, "patient:pat-001", EntryKey("Patient", "pat-001"))
	assert.Equal(t, "observation:obs-9", EntryKey("OBSERVATION", "obs-9"))
}

func TestMemoryStorePutGet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewMemoryStore()

	doc := map[string]any{"id": "pat-001", "gender": "female"}
	require.NoError(t, store.Put(ctx, "Patient", "pat-001", doc, time.Hour))

	entry, err := store.Get(ctx, "Patient", "pat-001")
	require.NoError(t, err)
	assert.Equal(t, "patient:pat-001", entry.Key)
	assert.Equal(t, "Patient", entry.Kind)
	assert.Equal(t, "female", entry.Resource["gender"])
	assert.False(t, entry.CachedAt.IsZero())
}

func TestMemoryStorePutReplaces(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "Patient", "pat-001", map[string]any{"gender": "female"}, time.Hour))
	require.NoError(t, store.Put(ctx, "Patient", "pat-001", map[string]any{"gender": "male"}, time.Hour))

	entry, err := store.Get(ctx, "Patient", "pat-001")
	require.NoError(t, err)
	assert.Equal(t, "male", entry.Resource["gender"])
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreRejectsNilDocument(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := NewMemoryStore()

	err := store.Put(context.Background(), "Patient", "pat-001", nil, time.Hour)
	assert.ErrorIs(t, err, ErrEntryNil)
}

func TestMemoryStoreGetMissing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "Patient", "nope")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestMemoryStoreExpiry(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewMemoryStore()

	current := time.Now()
	store.now = func() time.Time { return current }

	require.NoError(t, store.Put(ctx, "Patient", "pat-001", map[string]any{"id": "pat-001"}, time.Minute))

	_, err := store.Get(ctx, "Patient", "pat-001")
	require.NoError(t, err)

	current = current.Add(2 * time.Minute)

	_, err = store.Get(ctx, "Patient", "pat-001")
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStoreScanKind(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewMemoryStore()

	current := time.Now()
	store.now = func() time.Time { return current }

	require.NoError(t, store.Put(ctx, "Patient", "pat-old", map[string]any{"id": "pat-old"}, time.Hour))

	current = current.Add(time.Minute)
	require.NoError(t, store.Put(ctx, "Patient", "pat-new", map[string]any{"id": "pat-new"}, time.Hour))
	require.NoError(t, store.Put(ctx, "Condition", "cond-001", map[string]any{"id": "cond-001"}, time.Hour))

	t.Run("filters by kind, newest first", func(t *testing.T) {
		entries, err := store.ScanKind(ctx, "Patient", time.Time{}, 0)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "patient:pat-new", entries[0].Key)
		assert.Equal(t, "patient:pat-old", entries[1].Key)
	})

	t.Run("since excludes older writes", func(t *testing.T) {
		entries, err := store.ScanKind(ctx, "Patient", current, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "patient:pat-new", entries[0].Key)
	})

	t.Run("limit caps the result", func(t *testing.T) {
		entries, err := store.ScanKind(ctx, "Patient", time.Time{}, 1)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "patient:pat-new", entries[0].Key)
	})

	t.Run("expired entries are dropped during scan", func(t *testing.T) {
		current = current.Add(2 * time.Hour)

		entries, err := store.ScanKind(ctx, "Patient", time.Time{}, 0)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}
