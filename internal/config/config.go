// Package config loads ledgerd settings from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config is the complete ledgerd configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	Database DatabaseConfig `yaml:"database"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

// LedgerConfig configures the ledger core.
type LedgerConfig struct {
	// TrustedWriter is the only identity allowed to mutate task records.
	TrustedWriter string `yaml:"trusted_writer"`
	// Storage is "memory" or "postgres".
	Storage string `yaml:"storage"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns a Config with in-memory storage.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Database: DatabaseConfig{
			MaxConns: 10,
		},
		Ledger: LedgerConfig{
			TrustedWriter: "backend",
			Storage:       StorageMemory,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.Ledger.TrustedWriter == "" {
		return fmt.Errorf("ledger.trusted_writer is required")
	}
	switch c.Ledger.Storage {
	case StorageMemory:
	case StoragePostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for postgres storage")
		}
	default:
		return fmt.Errorf("ledger.storage must be %q or %q, got %q", StorageMemory, StoragePostgres, c.Ledger.Storage)
	}
	if c.Database.MaxConns < 0 {
		return fmt.Errorf("database.max_conns must not be negative")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// LoadFromFile reads path over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		fromFile, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fromFile
	}
	cfg.Merge(FromEnv(os.Getenv))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a partial Config from PORT, DATABASE_URL,
// DATABASE_MAX_CONNS, LEDGER_TRUSTED_WRITER, LEDGER_STORAGE and LOG_LEVEL.
// Setting DATABASE_URL alone selects postgres storage.
func FromEnv(getenv func(string) string) *Config {
	c := &Config{
		Database: DatabaseConfig{URL: getenv("DATABASE_URL")},
		Ledger: LedgerConfig{
			TrustedWriter: getenv("LEDGER_TRUSTED_WRITER"),
			Storage:       getenv("LEDGER_STORAGE"),
		},
		Log: LogConfig{Level: getenv("LOG_LEVEL")},
	}
	if port := getenv("PORT"); port != "" {
		c.Listen = ":" + port
	}
	if n, err := strconv.ParseInt(getenv("DATABASE_MAX_CONNS"), 10, 32); err == nil {
		c.Database.MaxConns = int32(n)
	}
	if c.Database.URL != "" && c.Ledger.Storage == "" {
		c.Ledger.Storage = StoragePostgres
	}
	return c
}

// Merge overlays the non-zero fields of other.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Listen != "" {
		c.Listen = other.Listen
	}
	if other.Database.URL != "" {
		c.Database.URL = other.Database.URL
	}
	if other.Database.MaxConns != 0 {
		c.Database.MaxConns = other.Database.MaxConns
	}
	if other.Ledger.TrustedWriter != "" {
		c.Ledger.TrustedWriter = other.Ledger.TrustedWriter
	}
	if other.Ledger.Storage != "" {
		c.Ledger.Storage = other.Ledger.Storage
	}
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
}
