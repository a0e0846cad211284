package speedlayer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clinquery/clinquery/internal/storage"
)

// PostgresStore is the shared recent-writes cache backed by the recent_writes
// table. Writes are set-with-expiry upserts; reads filter expired rows, and a
// background sweep deletes them so the table stays bounded.
type PostgresStore struct {
	conn     *storage.Connection
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewPostgresStore creates a recent-writes cache over the given connection and
// starts the expiry sweep.
func NewPostgresStore(conn *storage.Connection, cleanupPeriod time.Duration, logger *slog.Logger) (*PostgresStore, error) {
	if conn == nil {
		return nil, storage.ErrNoDatabaseConnection
	}

	s := &PostgresStore{
		conn:   conn,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go s.cleanupLoop(cleanupPeriod)

	return s, nil
}

// Put upserts a document under <kind-lowercased>:<id> with the given TTL.
func (s *PostgresStore) Put(ctx context.Context, kind, id string, resource map[string]any, ttl time.Duration) error {
	if resource == nil {
		return ErrEntryNil
	}

	body, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("failed to marshal recent-writes document: %w", err)
	}

	query := `
		INSERT INTO recent_writes (key, kind, resource, cached_at, expires_at)
		VALUES ($1, $2, $3, NOW(), NOW() + $4 * INTERVAL '1 second')
		ON CONFLICT (key) DO UPDATE SET
			kind = EXCLUDED.kind,
			resource = EXCLUDED.resource,
			cached_at = EXCLUDED.cached_at,
			expires_at = EXCLUDED.expires_at`

	_, err = s.conn.ExecContext(ctx, query, EntryKey(kind, id), kind, body, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to write recent-writes entry: %w", err)
	}

	return nil
}

// Get returns the live entry under <kind-lowercased>:<id>.
func (s *PostgresStore) Get(ctx context.Context, kind, id string) (*Entry, error) {
	query := `
		SELECT key, kind, resource, cached_at
		FROM recent_writes
		WHERE key = $1 AND expires_at > NOW()`

	ctx, cancel := s.conn.WithQueryDeadline(ctx)
	defer cancel()

	var (
		entry Entry
		body  []byte
	)

	err := s.conn.QueryRowContext(ctx, query, EntryKey(kind, id)).
		Scan(&entry.Key, &entry.Kind, &body, &entry.CachedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}

		return nil, fmt.Errorf("failed to read recent-writes entry: %w", err)
	}

	if err := json.Unmarshal(body, &entry.Resource); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recent-writes document: %w", err)
	}

	return &entry, nil
}

// ScanKind returns live entries of the given kind written at or after since,
// newest first.
func (s *PostgresStore) ScanKind(ctx context.Context, kind string, since time.Time, limit int) ([]Entry, error) {
	query := `
		SELECT key, kind, resource, cached_at
		FROM recent_writes
		WHERE LOWER(kind) = $1 AND cached_at >= $2 AND expires_at > NOW()
		ORDER BY cached_at DESC`

	args := []any{strings.ToLower(kind), since}

	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	ctx, cancel := s.conn.WithQueryDeadline(ctx)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan recent writes: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var entries []Entry

	for rows.Next() {
		var (
			entry Entry
			body  []byte
		)

		if err := rows.Scan(&entry.Key, &entry.Kind, &body, &entry.CachedAt); err != nil {
			return nil, fmt.Errorf("failed to scan recent-writes row: %w", err)
		}

		if err := json.Unmarshal(body, &entry.Resource); err != nil {
			s.logger.Warn("Skipping malformed recent-writes document",
				slog.String("key", entry.Key),
				slog.String("error", err.Error()))

			continue
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recent writes: %w", err)
	}

	return entries, nil
}

// cleanupLoop periodically deletes expired rows until Close is called.
func (s *PostgresStore) cleanupLoop(period time.Duration) {
	defer close(s.doneCh)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.deleteExpired()
		}
	}
}

func (s *PostgresStore) deleteExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := s.conn.ExecContext(ctx, "DELETE FROM recent_writes WHERE expires_at <= NOW()")
	if err != nil {
		s.logger.Warn("Recent-writes expiry sweep failed",
			slog.String("error", err.Error()))

		return
	}

	if deleted, err := result.RowsAffected(); err == nil && deleted > 0 {
		s.logger.Debug("Recent-writes expiry sweep completed",
			slog.Int64("deleted", deleted))
	}
}

// Close stops the expiry sweep. The underlying connection is shared and stays
// open.
func (s *PostgresStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})

	return nil
}

var _ Store = (*PostgresStore)(nil)
