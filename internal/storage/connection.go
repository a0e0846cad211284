package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for connection management.
var (
	// ErrNoDatabaseConnection is returned when an operation is attempted
	// without an established connection.
	ErrNoDatabaseConnection = errors.New("no database connection")

	// ErrConnectionFailed is returned when the database cannot be reached.
	ErrConnectionFailed = errors.New("database connection failed")
)

const healthCheckTimeout = 5 * time.Second

// Connection wraps the document-store connection pool. All query methods
// apply the configured per-query deadline when the caller's context carries
// none, so no statement can run unbounded.
type Connection struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// NewConnection opens a pooled connection to the document store and verifies
// it with a ping.
func NewConnection(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return &Connection{db: db, queryTimeout: cfg.QueryTimeout}, nil
}

// NewConnectionFromDB wraps an existing *sql.DB (used by tests that manage
// their own container lifecycle).
func NewConnectionFromDB(db *sql.DB, queryTimeout time.Duration) *Connection {
	return &Connection{db: db, queryTimeout: queryTimeout}
}

// QueryContext runs a query. Callers that iterate rows own the context
// lifetime; use WithQueryDeadline around the full query-and-scan when no
// deadline is set.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...) //nolint:sqlclosecheck // rows closed by caller
}

// QueryRowContext runs a single-row query.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// ExecContext runs a statement under the per-query deadline.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, cancel := c.WithQueryDeadline(ctx)
	defer cancel()

	return c.db.ExecContext(ctx, query, args...)
}

// WithQueryDeadline derives a context carrying the configured per-query
// deadline, unless the caller already set one. The returned cancel must be
// deferred around the complete query-and-scan sequence.
func (c *Connection) WithQueryDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.queryTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			return context.WithTimeout(ctx, c.queryTimeout)
		}
	}

	return context.WithCancel(ctx)
}

// BeginTx starts a transaction.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, opts)
}

// DB exposes the underlying pool for callers that need driver-level access.
func (c *Connection) DB() *sql.DB {
	return c.db
}

// HealthCheck verifies the pool can reach the database.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.db == nil {
		return ErrNoDatabaseConnection
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return nil
}

// Close closes the connection pool.
func (c *Connection) Close() error {
	if c == nil || c.db == nil {
		return nil
	}

	return c.db.Close()
}
