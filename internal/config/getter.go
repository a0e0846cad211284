// Package config provides functions for reading config settings from ENV.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnvStr returns the environment variable value, or the default when the
// variable is unset or empty.
//
// Example:
//
//	host := GetEnvStr("CLINQUERY_HOST", "localhost")
func GetEnvStr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// GetEnvInt returns the environment variable parsed as an int. Unset, empty,
// or unparseable values fall back to the default.
//
// Example:
//
//	port := GetEnvInt("CLINQUERY_PORT", 8080)
func GetEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetEnvInt64 returns the environment variable parsed as an int64. Unset,
// empty, or unparseable values fall back to the default.
//
// Example:
//
//	maxBytes := GetEnvInt64("CLINQUERY_MAX_REQUEST_SIZE", 1048576)
func GetEnvInt64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetEnvBool returns the environment variable parsed as a bool. Accepted
// spellings, case-insensitive: "true"/"1"/"yes" and "false"/"0"/"no".
// Anything else falls back to the default.
//
// Example:
//
//	authOn := GetEnvBool("CLINQUERY_AUTH_ENABLED", false)
func GetEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

// GetEnvDuration returns the environment variable parsed with
// time.ParseDuration ("30s", "5m", "1h30m"). Unset or unparseable values
// fall back to the default.
//
// Example:
//
//	ttl := GetEnvDuration("CLINQUERY_RESULT_CACHE_TTL", 5*time.Minute)
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetEnvLogLevel returns the environment variable mapped to a slog level:
// debug, info, warn/warning, or error, case-insensitive. Anything else falls
// back to the default.
//
// Example:
//
//	level := GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo)
func GetEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultValue
	}
}

// ParseCommaSeparatedList splits a comma-separated string into trimmed,
// non-empty entries. An empty input yields an empty slice.
func ParseCommaSeparatedList(input string) []string {
	if input == "" {
		return []string{}
	}

	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
