package speedlayer

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clinquery/clinquery/internal/config"
)

const (
	defaultTTL            = 24 * time.Hour
	defaultObservationTTL = 12 * time.Hour
	defaultScanBatchSize  = 100
	defaultMaxResults     = 1000
	defaultPollInterval   = 30 * time.Second
	defaultCleanupPeriod  = 5 * time.Minute
)

// DefaultConfigPath is the default location of the clinquery configuration
// file. Hidden-file format following common tool conventions.
const DefaultConfigPath = ".clinquery.yaml"

// ConfigPathEnvVar overrides the configuration file location.
const ConfigPathEnvVar = "CLINQUERY_CONFIG_PATH"

// Config holds recent-writes cache configuration. TTLs are per document kind
// (lowercased); kinds without an explicit entry use DefaultTTL.
type Config struct {
	Enabled       bool
	DefaultTTL    time.Duration
	KindTTLs      map[string]time.Duration
	ScanBatchSize int
	MaxResults    int
	PollInterval  time.Duration
	CleanupPeriod time.Duration
}

// ttlOverrides is the YAML shape of per-kind TTL overrides in .clinquery.yaml.
type ttlOverrides struct {
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	SpeedTTLHours map[string]int `yaml:"speed_ttl_hours"`
}

// LoadConfig loads recent-writes configuration from environment variables,
// then applies per-kind TTL overrides from the YAML config file when present.
func LoadConfig() *Config {
	cfg := &Config{
		Enabled:    config.GetEnvBool("SPEED_LAYER_ENABLED", true),
		DefaultTTL: config.GetEnvDuration("SPEED_LAYER_DEFAULT_TTL", defaultTTL),
		KindTTLs: map[string]time.Duration{
			"observation": defaultObservationTTL,
		},
		ScanBatchSize: config.GetEnvInt("SPEED_LAYER_SCAN_BATCH_SIZE", defaultScanBatchSize),
		MaxResults:    config.GetEnvInt("SPEED_LAYER_MAX_RESULTS", defaultMaxResults),
		PollInterval:  config.GetEnvDuration("SPEED_LAYER_POLL_INTERVAL", defaultPollInterval),
		CleanupPeriod: config.GetEnvDuration("SPEED_LAYER_CLEANUP_PERIOD", defaultCleanupPeriod),
	}

	cfg.applyOverrides(config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath))

	return cfg
}

// applyOverrides merges speed_ttl_hours from the YAML config file. A missing
// file is fine; a malformed file logs a warning and keeps the defaults.
func (c *Config) applyOverrides(path string) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to read config file, keeping default TTLs",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}

		return
	}

	var overrides ttlOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		slog.Warn("Invalid YAML in config file, keeping default TTLs",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return
	}

	for kind, hours := range overrides.SpeedTTLHours {
		if hours <= 0 {
			continue
		}

		c.KindTTLs[strings.ToLower(kind)] = time.Duration(hours) * time.Hour
	}
}

// TTLFor returns the TTL for a document kind.
func (c *Config) TTLFor(kind string) time.Duration {
	if ttl, ok := c.KindTTLs[strings.ToLower(kind)]; ok {
		return ttl
	}

	return c.DefaultTTL
}
