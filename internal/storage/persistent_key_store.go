package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/clinquery/clinquery/internal/config"
)

// Audit log operation names.
const (
	auditOpCreate = "created"
	auditOpUpdate = "updated"
	auditOpDelete = "deleted"
)

// PersistentKeyStore is the Postgres-backed APIKeyStore. Keys are stored as
// bcrypt hashes and deletions are soft so the audit trail stays complete.
type PersistentKeyStore struct {
	conn   *Connection
	logger *slog.Logger
}

var _ APIKeyStore = (*PersistentKeyStore)(nil)

// NewPersistentKeyStore wraps an established connection pool.
func NewPersistentKeyStore(conn *Connection) (*PersistentKeyStore, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	return &PersistentKeyStore{conn: conn, logger: logger}, nil
}

// Close releases the connection pool. Safe to call more than once.
func (s *PersistentKeyStore) Close() error {
	if s.conn == nil {
		return nil
	}

	return s.conn.Close()
}

const keyColumns = `id, key_hash, client_id, name, permissions, created_at, expires_at, active`

// scanKey reads one api_keys row. The Key field holds the stored hash until
// the caller masks or compares it.
func scanKey(rows *sql.Rows) (*Key, error) {
	var (
		apiKey          Key
		permissionsJSON []byte
	)

	err := rows.Scan(
		&apiKey.ID,
		&apiKey.Key,
		&apiKey.ClientID,
		&apiKey.Name,
		&permissionsJSON,
		&apiKey.CreatedAt,
		&apiKey.ExpiresAt,
		&apiKey.Active,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(permissionsJSON, &apiKey.Permissions); err != nil {
		return nil, err
	}

	return &apiKey, nil
}

// FindByKey resolves a plaintext key by bcrypt comparison against every
// active hash. bcrypt salts make a hash lookup impossible, so the scan is
// linear; fine at the key counts a deployment carries. The returned Key has
// its hash masked.
func (s *PersistentKeyStore) FindByKey(ctx context.Context, key string) (*Key, bool) {
	if key == "" {
		return nil, false
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE active = TRUE`)
	if err != nil {
		return nil, false
	}

	defer func() {
		_ = rows.Close()
	}()

	var match *Key

	for rows.Next() {
		candidate, err := scanKey(rows)
		if err != nil {
			continue
		}

		if CompareAPIKeyHash(candidate.Key, key) {
			candidate.Key = MaskKey(candidate.Key)
			match = candidate

			break
		}
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("API key lookup failed",
			slog.String("key", MaskKey(key)),
			slog.String("error", err.Error()),
		)

		return nil, false
	}

	return match, match != nil
}

// Add hashes and stores a new API key, then writes an audit entry. The
// duplicate check runs a FindByKey first because bcrypt never produces the
// same hash twice.
func (s *PersistentKeyStore) Add(ctx context.Context, apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if existing, found := s.FindByKey(ctx, apiKey.Key); found && existing != nil {
		return ErrKeyAlreadyExists
	}

	keyHash, err := HashAPIKey(apiKey.Key)
	if err != nil {
		return fmt.Errorf("failed to hash API key: %w", err)
	}

	permissionsJSON, err := permissionsToJSON(apiKey.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, client_id, name, permissions, created_at, expires_at, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		apiKey.ID,
		keyHash,
		apiKey.ClientID,
		apiKey.Name,
		permissionsJSON,
		apiKey.CreatedAt,
		apiKey.ExpiresAt,
		apiKey.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to insert API key: %w", err)
	}

	s.writeAudit(ctx, auditOpCreate, apiKey)

	return nil
}

// Update modifies name, permissions, active flag, and expiry. The stored
// hash never changes; rotating a key means adding a new one.
func (s *PersistentKeyStore) Update(ctx context.Context, apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if apiKey.ID == "" {
		return ErrKeyNotFound
	}

	permissionsJSON, err := permissionsToJSON(apiKey.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	result, err := s.conn.ExecContext(ctx,
		`UPDATE api_keys SET name = $1, permissions = $2, active = $3, expires_at = $4 WHERE id = $5`,
		apiKey.Name,
		permissionsJSON,
		apiKey.Active,
		apiKey.ExpiresAt,
		apiKey.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update API key: %w", err)
	}

	if err := requireRowsAffected(result); err != nil {
		return err
	}

	s.writeAudit(ctx, auditOpUpdate, apiKey)

	return nil
}

// Delete deactivates a key. Rows are never physically removed so audit
// history survives.
func (s *PersistentKeyStore) Delete(ctx context.Context, keyID string) error {
	if keyID == "" {
		return ErrKeyNotFound
	}

	result, err := s.conn.ExecContext(ctx,
		`UPDATE api_keys SET active = FALSE WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("failed to delete API key: %w", err)
	}

	if err := requireRowsAffected(result); err != nil {
		return err
	}

	s.writeAudit(ctx, auditOpDelete, &Key{ID: keyID})

	return nil
}

// ListByClient returns the client's active keys, newest first, hashes
// masked. The result is never nil.
func (s *PersistentKeyStore) ListByClient(ctx context.Context, clientID string) ([]*Key, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys
		 WHERE client_id = $1 AND active = TRUE
		 ORDER BY created_at DESC`,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query API keys: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	keys := []*Key{}

	for rows.Next() {
		apiKey, err := scanKey(rows)
		if err != nil {
			continue
		}

		apiKey.Key = MaskKey(apiKey.Key)
		keys = append(keys, apiKey)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return keys, nil
}

// requireRowsAffected maps a zero-row result to ErrKeyNotFound.
func requireRowsAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrKeyNotFound
	}

	return nil
}

// permissionsToJSON serializes permissions for the JSONB column. A nil
// slice stores as an empty array, not SQL NULL.
func permissionsToJSON(permissions []string) ([]byte, error) {
	if permissions == nil {
		permissions = []string{}
	}

	return json.Marshal(permissions)
}

// writeAudit records the operation in api_key_audit_log. Audit failures are
// logged and do not fail the key operation.
func (s *PersistentKeyStore) writeAudit(ctx context.Context, operation string, apiKey *Key) {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO api_key_audit_log (api_key_id, operation, masked_key, client_id, metadata)
		 VALUES ($1, $2, $3, $4, $5)`,
		apiKey.ID,
		operation,
		MaskKey(apiKey.Key),
		apiKey.ClientID,
		[]byte("{}"),
	)
	if err != nil {
		s.logger.Error("failed to write an audit log entry for API key operation",
			slog.String("operation", operation),
			slog.String("key_id", apiKey.ID),
			slog.String("error", err.Error()),
		)
	}
}
