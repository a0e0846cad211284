package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/clinquery/clinquery/internal/config"
)

// setupKeyStore brings up a migrated Postgres container and returns a store
// over it. Cleanup is registered on t.
func setupKeyStore(ctx context.Context, t *testing.T) *PersistentKeyStore {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := NewConnectionFromDB(testDB.Connection, 30*time.Second)

	store, err := NewPersistentKeyStore(conn)
	require.NoError(t, err)

	return store
}

func issuedKey(t *testing.T, id, client string) *Key {
	t.Helper()

	plaintext, err := GenerateAPIKey(client)
	require.NoError(t, err)

	return &Key{
		ID:          id,
		Key:         plaintext,
		ClientID:    client,
		Name:        "Integration key " + id,
		Permissions: []string{"views:execute"},
		CreatedAt:   time.Now(),
		Active:      true,
	}
}

func TestPersistentKeyStoreAddAndFind(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupKeyStore(ctx, t)

	key := issuedKey(t, "ik-1", "analytics-client")
	plaintext := key.Key

	require.NoError(t, store.Add(ctx, key))

	t.Run("find by plaintext", func(t *testing.T) {
		found, ok := store.FindByKey(ctx, plaintext)
		require.True(t, ok)
		assert.Equal(t, "ik-1", found.ID)
		assert.Equal(t, "analytics-client", found.ClientID)
		assert.Equal(t, []string{"views:execute"}, found.Permissions)

		// The stored hash never leaves the store unmasked.
		assert.NotContains(t, found.Key, "$2")
	})

	t.Run("duplicate plaintext rejected", func(t *testing.T) {
		dup := issuedKey(t, "ik-2", "analytics-client")
		dup.Key = plaintext
		assert.ErrorIs(t, store.Add(ctx, dup), ErrKeyAlreadyExists)
	})

	t.Run("nil key rejected", func(t *testing.T) {
		assert.ErrorIs(t, store.Add(ctx, nil), ErrKeyNil)
	})

	t.Run("unknown plaintext not found", func(t *testing.T) {
		ghost, err := GenerateAPIKey("analytics-client")
		require.NoError(t, err)

		found, ok := store.FindByKey(ctx, ghost)
		assert.False(t, ok)
		assert.Nil(t, found)
	})

	t.Run("empty plaintext not found", func(t *testing.T) {
		_, ok := store.FindByKey(ctx, "")
		assert.False(t, ok)
	})
}

func TestPersistentKeyStoreExpiredKeyStoredButInactiveOnCheck(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupKeyStore(ctx, t)

	expiry := time.Now().Add(24 * time.Hour)
	key := issuedKey(t, "ik-exp", "dashboard-client")
	key.ExpiresAt = &expiry

	require.NoError(t, store.Add(ctx, key))

	found, ok := store.FindByKey(ctx, key.Key)
	require.True(t, ok)
	require.NotNil(t, found.ExpiresAt)
	assert.WithinDuration(t, expiry, *found.ExpiresAt, time.Second)
}

func TestPersistentKeyStoreUpdate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupKeyStore(ctx, t)

	key := issuedKey(t, "ik-upd", "analytics-client")
	require.NoError(t, store.Add(ctx, key))

	key.Name = "Renamed key"
	key.Permissions = []string{"views:execute", "cohort:read"}
	require.NoError(t, store.Update(ctx, key))

	found, ok := store.FindByKey(ctx, key.Key)
	require.True(t, ok)
	assert.Equal(t, "Renamed key", found.Name)
	assert.Len(t, found.Permissions, 2)

	t.Run("deactivation hides the key from lookup", func(t *testing.T) {
		key.Active = false
		require.NoError(t, store.Update(ctx, key))

		_, ok := store.FindByKey(ctx, key.Key)
		assert.False(t, ok, "inactive keys must not authenticate")
	})

	t.Run("unknown ID", func(t *testing.T) {
		ghost := issuedKey(t, "ik-ghost", "analytics-client")
		assert.ErrorIs(t, store.Update(ctx, ghost), ErrKeyNotFound)
	})

	t.Run("empty ID", func(t *testing.T) {
		anon := issuedKey(t, "", "analytics-client")
		assert.ErrorIs(t, store.Update(ctx, anon), ErrKeyNotFound)
	})
}

func TestPersistentKeyStoreSoftDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupKeyStore(ctx, t)

	key := issuedKey(t, "ik-del", "analytics-client")
	require.NoError(t, store.Add(ctx, key))

	require.NoError(t, store.Delete(ctx, key.ID))

	// Soft delete: the row survives but no longer authenticates or lists.
	_, ok := store.FindByKey(ctx, key.Key)
	assert.False(t, ok)

	listed, err := store.ListByClient(ctx, key.ClientID)
	require.NoError(t, err)
	assert.Empty(t, listed)

	t.Run("unknown ID", func(t *testing.T) {
		assert.ErrorIs(t, store.Delete(ctx, "never-issued"), ErrKeyNotFound)
	})

	t.Run("empty ID", func(t *testing.T) {
		assert.ErrorIs(t, store.Delete(ctx, ""), ErrKeyNotFound)
	})
}

func TestPersistentKeyStoreListByClient(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupKeyStore(ctx, t)

	require.NoError(t, store.Add(ctx, issuedKey(t, "an-1", "analytics-client")))
	require.NoError(t, store.Add(ctx, issuedKey(t, "an-2", "analytics-client")))
	require.NoError(t, store.Add(ctx, issuedKey(t, "db-1", "dashboard-client")))

	inactive := issuedKey(t, "an-3", "analytics-client")
	inactive.Active = false
	require.NoError(t, store.Add(ctx, inactive))

	analytics, err := store.ListByClient(ctx, "analytics-client")
	require.NoError(t, err)
	assert.Len(t, analytics, 2, "inactive keys are excluded")

	for _, k := range analytics {
		assert.NotContains(t, k.Key, "$2", "listed hashes must be masked")
	}

	dashboard, err := store.ListByClient(ctx, "dashboard-client")
	require.NoError(t, err)
	assert.Len(t, dashboard, 1)

	empty, err := store.ListByClient(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	_, err = store.ListByClient(ctx, "")
	assert.ErrorIs(t, err, ErrClientIDEmpty)
}

func TestPersistentKeyStoreAuditTrail(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupKeyStore(ctx, t)

	key := issuedKey(t, "ik-audit", "analytics-client")
	require.NoError(t, store.Add(ctx, key))

	key.Name = "Audited rename"
	require.NoError(t, store.Update(ctx, key))
	require.NoError(t, store.Delete(ctx, key.ID))

	rows, err := store.conn.QueryContext(ctx,
		`SELECT operation FROM api_key_audit_log WHERE api_key_id = $1 ORDER BY created_at`,
		key.ID,
	)
	require.NoError(t, err)

	defer func() {
		_ = rows.Close()
	}()

	var ops []string

	for rows.Next() {
		var op string
		require.NoError(t, rows.Scan(&op))
		ops = append(ops, op)
	}

	require.NoError(t, rows.Err())
	assert.Equal(t, []string{auditOpCreate, auditOpUpdate, auditOpDelete}, ops)
}
