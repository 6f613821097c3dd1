// Package common provides shared utilities for fittransfer
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for fittransfer.
type Config struct {
	Environment string         `toml:"environment"`
	Server      ServerConfig   `toml:"server"`
	Storage     StorageConfig  `toml:"storage"`
	Clients     ClientsConfig  `toml:"clients"`
	Transfer    TransferConfig `toml:"transfer"`
	Logging     LoggingConfig  `toml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig holds the state store and payload cache locations.
type StorageConfig struct {
	DBPath    string `toml:"db_path"`    // SQLite database file for the state store
	CachePath string `toml:"cache_path"` // local directory used for downloaded payloads pending upload
}

// ClientsConfig holds the source and sink platform client configurations.
type ClientsConfig struct {
	Source EndpointConfig `toml:"source"`
	Sink   EndpointConfig `toml:"sink"`
}

// EndpointConfig holds connection details for a platform's REST API.
type EndpointConfig struct {
	Platform  string `toml:"platform"`
	BaseURL   string `toml:"base_url"`
	RateLimit int    `toml:"rate_limit"`
	Timeout   string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration, defaulting to 30s.
func (c *EndpointConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// TransferConfig holds duplicate-confirmation and worker tuning knobs that
// are not part of the per-job settings snapshot (spec.md §5).
type TransferConfig struct {
	DuplicateWindowSeconds int `toml:"duplicate_window_seconds"` // nearest-start-time tolerance, default 900
	DuplicateSearchDays    int `toml:"duplicate_search_days"`    // how many days of sink history to scan, default 1
}

// GetDuplicateWindow returns the duplicate-confirmation window, defaulting
// to 900 seconds when unset or non-positive.
func (c *TransferConfig) GetDuplicateWindow() time.Duration {
	if c.DuplicateWindowSeconds <= 0 {
		return 900 * time.Second
	}
	return time.Duration(c.DuplicateWindowSeconds) * time.Second
}

// GetDuplicateSearchDays returns the duplicate-search lookback, defaulting
// to 1 day when unset or non-positive.
func (c *TransferConfig) GetDuplicateSearchDays() int {
	if c.DuplicateSearchDays <= 0 {
		return 1
	}
	return c.DuplicateSearchDays
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string   `toml:"level" mapstructure:"level"`
	Format     string   `toml:"format" mapstructure:"format"`
	Outputs    []string `toml:"outputs" mapstructure:"outputs"`
	FilePath   string   `toml:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int      `toml:"max_backups" mapstructure:"max_backups"`
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			DBPath:    "data/fittransfer.db",
			CachePath: "data/cache",
		},
		Clients: ClientsConfig{
			Source: EndpointConfig{
				Platform:  "garmin",
				RateLimit: 5,
				Timeout:   "30s",
			},
			Sink: EndpointConfig{
				Platform:  "strava",
				RateLimit: 10,
				Timeout:   "30s",
			},
		},
		Transfer: TransferConfig{
			DuplicateWindowSeconds: 900,
			DuplicateSearchDays:    1,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console", "file"},
			FilePath:   "./logs/fittransfer.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("FITTRANSFER_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("FITTRANSFER_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("FITTRANSFER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("FITTRANSFER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if path := os.Getenv("FITTRANSFER_DB_PATH"); path != "" {
		config.Storage.DBPath = path
	}

	if path := os.Getenv("FITTRANSFER_CACHE_PATH"); path != "" {
		config.Storage.CachePath = path
	}

	if v := os.Getenv("FITTRANSFER_SOURCE_BASE_URL"); v != "" {
		config.Clients.Source.BaseURL = v
	}
	if v := os.Getenv("FITTRANSFER_SINK_BASE_URL"); v != "" {
		config.Clients.Sink.BaseURL = v
	}

	if v := os.Getenv("DUPLICATE_CONFIRM_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Transfer.DuplicateWindowSeconds = n
		}
	}
	if v := os.Getenv("DUPLICATE_CONFIRM_SEARCH_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Transfer.DuplicateSearchDays = n
		}
	}
	if v := os.Getenv("FITTRANSFER_DUPLICATE_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Transfer.DuplicateWindowSeconds = n
		}
	}
	if v := os.Getenv("FITTRANSFER_DUPLICATE_SEARCH_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Transfer.DuplicateSearchDays = n
		}
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ValidateRequired returns the names of required configuration fields that
// are empty.
func (c *Config) ValidateRequired() []string {
	var missing []string
	if c.Clients.Source.BaseURL == "" {
		missing = append(missing, "clients.source.base_url")
	}
	if c.Clients.Sink.BaseURL == "" {
		missing = append(missing, "clients.sink.base_url")
	}
	if c.Storage.DBPath == "" {
		missing = append(missing, "storage.db_path")
	}
	return missing
}
