package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/clinquery/clinquery/internal/config"
)

const (
	defaultMaxOpenConns    = 20
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
	defaultQueryTimeout    = 30 * time.Second
	defaultSchema          = "sqlonfhir"
)

// ErrDatabaseURLEmpty is returned when the database url is an empty string.
var ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

// Config holds document-store connection settings. Schema names the
// dedicated schema holding materialized views and their metadata. The URL
// stays private; MaskDatabaseURL is the only way it reaches a log line.
type Config struct {
	databaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration // Per-query deadline applied when the caller sets none
	Schema          string        // Analytics schema for materialized views
}

// LoadConfig reads connection settings from the environment with
// production-ready defaults.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""),
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		QueryTimeout:    config.GetEnvDuration("DATABASE_QUERY_TIMEOUT", defaultQueryTimeout),
		Schema:          config.GetEnvStr("ANALYTICS_SCHEMA", defaultSchema),
	}
}

// Validate rejects configurations without a database URL.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// MaskDatabaseURL returns the URL with any password replaced by "***" so it
// is safe to log. Inputs that do not look like a URL with userinfo pass
// through unchanged.
func (c *Config) MaskDatabaseURL() string {
	scheme, rest, found := strings.Cut(c.databaseURL, "://")
	if !found {
		return c.databaseURL
	}

	// The last @ splits userinfo from host; passwords may themselves
	// contain @.
	at := strings.LastIndex(rest, "@")
	if at == -1 {
		return c.databaseURL
	}

	user, password, found := strings.Cut(rest[:at], ":")
	if !found || password == "" {
		return c.databaseURL
	}

	return scheme + "://" + user + ":***" + rest[at:]
}
