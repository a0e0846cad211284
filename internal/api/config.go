// Package api provides HTTP API server implementation for the clinquery service.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clinquery/clinquery/internal/config"
)

const (
	defaultPort           = 8080
	maxPort               = 65535
	defaultHost           = "0.0.0.0"
	defaultTimeout        = 30 * time.Second
	defaultLogLevel       = slog.LevelInfo
	defaultCORSMaxAge     = 86400
	defaultMaxRequestSize = int64(1 << 20)
)

var (
	// ErrInvalidPort indicates the port number is outside valid range (1-65535).
	ErrInvalidPort = errors.New("invalid port")

	// ErrEmptyHost indicates the server host address is empty.
	ErrEmptyHost = errors.New("host cannot be empty")

	// ErrInvalidReadTimeout indicates the read timeout is zero or negative.
	ErrInvalidReadTimeout = errors.New("read timeout must be positive")

	// ErrInvalidWriteTimeout indicates the write timeout is zero or negative.
	ErrInvalidWriteTimeout = errors.New("write timeout must be positive")

	// ErrInvalidShutdownTimeout indicates the shutdown timeout is zero or negative.
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")

	// ErrInvalidMaxRequestSize indicates the max request size is zero or negative.
	ErrInvalidMaxRequestSize = errors.New("max request size must be positive")
)

// ServerConfig holds the HTTP listener settings. It carries no runtime
// dependencies and is safe to construct in tests.
type ServerConfig struct {
	Port               int
	Host               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	LogLevel           slog.Level
	MaxRequestSize     int64
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
	CORSMaxAge         int
}

// CORSConfig is the subset of ServerConfig the CORS middleware consumes. It
// satisfies middleware.CORSConfig.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

// LoadServerConfig reads listener settings from the environment, falling
// back to defaults. The wildcard CORS origin is a development convenience
// and should be narrowed for production deployments.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            config.GetEnvInt("CLINQUERY_SERVER_PORT", defaultPort),
		Host:            config.GetEnvStr("CLINQUERY_SERVER_HOST", defaultHost),
		ReadTimeout:     config.GetEnvDuration("CLINQUERY_SERVER_READ_TIMEOUT", defaultTimeout),
		WriteTimeout:    config.GetEnvDuration("CLINQUERY_SERVER_WRITE_TIMEOUT", defaultTimeout),
		ShutdownTimeout: config.GetEnvDuration("CLINQUERY_SERVER_TIMEOUT", defaultTimeout),
		LogLevel:        config.GetEnvLogLevel("CLINQUERY_SERVER_LOG_LEVEL", defaultLogLevel),
		MaxRequestSize:  config.GetEnvInt64("CLINQUERY_MAX_REQUEST_SIZE", defaultMaxRequestSize),
		CORSAllowedOrigins: config.ParseCommaSeparatedList(
			config.GetEnvStr("CLINQUERY_CORS_ALLOWED_ORIGINS", "*"),
		),
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr("CLINQUERY_CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"),
		),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr(
				"CLINQUERY_CORS_ALLOWED_HEADERS",
				"Content-Type,Authorization,X-Correlation-ID,X-API-Key",
			),
		),
		CORSMaxAge: config.GetEnvInt("CLINQUERY_CORS_MAX_AGE", defaultCORSMaxAge),
	}
}

// Address returns the listen address in host:port form.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToCORSConfig extracts the CORS fields for the middleware layer.
func (c *ServerConfig) ToCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

func (c *CORSConfig) GetAllowedOrigins() []string { return c.AllowedOrigins }
func (c *CORSConfig) GetAllowedMethods() []string { return c.AllowedMethods }
func (c *CORSConfig) GetAllowedHeaders() []string { return c.AllowedHeaders }
func (c *CORSConfig) GetMaxAge() int              { return c.MaxAge }

// Validate rejects configurations the listener cannot run with.
func (c *ServerConfig) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > maxPort:
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, maxPort)
	case c.Host == "":
		return ErrEmptyHost
	case c.ReadTimeout <= 0:
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	case c.WriteTimeout <= 0:
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	case c.MaxRequestSize <= 0:
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxRequestSize, c.MaxRequestSize)
	}

	return nil
}
