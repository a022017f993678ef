package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StorageMemory, cfg.Ledger.Storage)
	assert.Equal(t, ":8080", cfg.Listen)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"no trusted writer", func(c *Config) { c.Ledger.TrustedWriter = "" }},
		{"unknown storage", func(c *Config) { c.Ledger.Storage = "sqlite" }},
		{"postgres without url", func(c *Config) { c.Ledger.Storage = StoragePostgres }},
		{"negative conns", func(c *Config) { c.Database.MaxConns = -1 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
ledger:
  trusted_writer: svc-backend
log:
  level: debug
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "svc-backend", cfg.Ledger.TrustedWriter)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, StorageMemory, cfg.Ledger.Storage, "unset keys keep defaults")
	assert.Equal(t, "text", cfg.Log.Format)

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	c := FromEnv(env(map[string]string{
		"PORT":                  "7000",
		"DATABASE_URL":          "postgres://localhost/ledger",
		"DATABASE_MAX_CONNS":    "4",
		"LEDGER_TRUSTED_WRITER": "api",
	}))
	assert.Equal(t, ":7000", c.Listen)
	assert.Equal(t, StoragePostgres, c.Ledger.Storage)
	assert.Equal(t, int32(4), c.Database.MaxConns)

	c = FromEnv(env(map[string]string{"DATABASE_URL": "postgres://x", "LEDGER_STORAGE": "memory"}))
	assert.Equal(t, StorageMemory, c.Ledger.Storage, "explicit storage wins")

	c = FromEnv(env(nil))
	assert.Empty(t, c.Listen)
	assert.Zero(t, c.Database.MaxConns)
}

func TestMerge(t *testing.T) {
	cfg := Default()
	cfg.Merge(&Config{Listen: ":1", Log: LogConfig{Format: "json"}})
	assert.Equal(t, ":1", cfg.Listen)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "backend", cfg.Ledger.TrustedWriter)

	cfg.Merge(nil)
	assert.Equal(t, ":1", cfg.Listen)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9090\"\n"), 0o644))
	t.Setenv("PORT", "9191")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LEDGER_STORAGE", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9191", cfg.Listen)
}
