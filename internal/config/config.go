// Package config loads shellsync settings from an optional YAML file with
// SHELLSYNC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen    string `yaml:"listen"`
	APIToken  string `yaml:"api_token"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text | json

	HostURL   string `yaml:"host_url"`
	HostToken string `yaml:"host_token"`
	EventsURL string `yaml:"events_url"`

	IndexDSN       string `yaml:"index_dsn"`
	PostgresDriver string `yaml:"postgres_driver"` // postgres | pgx

	WritebackDSN      string        `yaml:"writeback_dsn"`
	WritebackCapacity int           `yaml:"writeback_capacity"`
	WritebackWorkers  int           `yaml:"writeback_workers"`
	WritebackAttempts int           `yaml:"writeback_attempts"`
	WritebackDelay    time.Duration `yaml:"writeback_retry_delay"`

	SearchDebounce        time.Duration `yaml:"search_debounce"`
	EnrichmentConcurrency int           `yaml:"enrichment_concurrency"`
	SuggestionCount       int           `yaml:"suggestion_count"`
	EventSchema           string        `yaml:"event_schema"`

	ReloadInterval time.Duration `yaml:"reload_interval"`
	ReloadJitter   float64       `yaml:"reload_jitter"`

	// WatchFile overrides the path watched for index changes. When empty the
	// path comes from a file or sqlite IndexDSN.
	WatchFile     string        `yaml:"watch_file"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
	NoWatch       bool          `yaml:"no_watch"`
}

// Load reads path (if non-empty), applies environment overrides, fills
// defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path = strings.TrimSpace(path); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Listen = envOrDefault("SHELLSYNC_LISTEN", c.Listen)
	c.APIToken = envOrDefault("SHELLSYNC_API_TOKEN", c.APIToken)
	c.LogLevel = envOrDefault("SHELLSYNC_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOrDefault("SHELLSYNC_LOG_FORMAT", c.LogFormat)
	c.HostURL = envOrDefault("SHELLSYNC_HOST_URL", c.HostURL)
	c.HostToken = envOrDefault("SHELLSYNC_HOST_TOKEN", c.HostToken)
	c.EventsURL = envOrDefault("SHELLSYNC_EVENTS_URL", c.EventsURL)
	c.IndexDSN = envOrDefault("SHELLSYNC_INDEX_DSN", c.IndexDSN)
	c.PostgresDriver = envOrDefault("SHELLSYNC_POSTGRES_DRIVER", c.PostgresDriver)
	c.WritebackDSN = envOrDefault("SHELLSYNC_WRITEBACK_DSN", c.WritebackDSN)
	c.WritebackCapacity = intEnv("SHELLSYNC_WRITEBACK_CAPACITY", c.WritebackCapacity)
	c.WritebackWorkers = intEnv("SHELLSYNC_WRITEBACK_WORKERS", c.WritebackWorkers)
	c.WritebackAttempts = intEnv("SHELLSYNC_WRITEBACK_ATTEMPTS", c.WritebackAttempts)
	c.WritebackDelay = durationEnv("SHELLSYNC_WRITEBACK_RETRY_DELAY", c.WritebackDelay)
	c.SearchDebounce = durationEnv("SHELLSYNC_SEARCH_DEBOUNCE", c.SearchDebounce)
	c.EnrichmentConcurrency = intEnv("SHELLSYNC_ENRICHMENT_CONCURRENCY", c.EnrichmentConcurrency)
	c.SuggestionCount = intEnv("SHELLSYNC_SUGGESTION_COUNT", c.SuggestionCount)
	c.EventSchema = envOrDefault("SHELLSYNC_EVENT_SCHEMA", c.EventSchema)
	c.ReloadInterval = durationEnv("SHELLSYNC_RELOAD_INTERVAL", c.ReloadInterval)
	c.ReloadJitter = floatEnv("SHELLSYNC_RELOAD_JITTER", c.ReloadJitter)
	c.WatchFile = envOrDefault("SHELLSYNC_WATCH_FILE", c.WatchFile)
	c.WatchDebounce = durationEnv("SHELLSYNC_WATCH_DEBOUNCE", c.WatchDebounce)
	c.NoWatch = boolEnv("SHELLSYNC_NO_WATCH", c.NoWatch)
}

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = ":8787"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.IndexDSN == "" && c.HostURL != "" {
		c.IndexDSN = c.HostURL
	}
	if c.PostgresDriver == "" {
		c.PostgresDriver = "postgres"
	}
	if c.WritebackDSN == "" {
		c.WritebackDSN = "memory://"
	}
	if c.WritebackCapacity <= 0 {
		c.WritebackCapacity = 1024
	}
	if c.WritebackWorkers <= 0 {
		c.WritebackWorkers = 1
	}
	if c.WritebackAttempts <= 0 {
		c.WritebackAttempts = 2
	}
	if c.WritebackDelay <= 0 {
		c.WritebackDelay = 50 * time.Millisecond
	}
	if c.SearchDebounce <= 0 {
		c.SearchDebounce = 100 * time.Millisecond
	}
	if c.EnrichmentConcurrency <= 0 {
		c.EnrichmentConcurrency = 8
	}
	if c.SuggestionCount <= 0 {
		c.SuggestionCount = 3
	}
	if c.ReloadInterval < 0 {
		c.ReloadInterval = 0
	}
	c.ReloadJitter = ClampJitterRatio(c.ReloadJitter)
	if c.WatchDebounce <= 0 {
		c.WatchDebounce = 250 * time.Millisecond
	}
}

func (c *Config) Validate() error {
	switch c.PostgresDriver {
	case "postgres", "pgx":
	default:
		return fmt.Errorf("postgres_driver must be postgres or pgx, got %q", c.PostgresDriver)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.IndexDSN == "" {
		return errors.New("index_dsn or host_url is required")
	}
	return nil
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(c.LogLevel))
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid float env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid bool env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}
