package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("STAKEPLAN_CAPABILITY_SECRET", "0123456789abcdef")
	t.Setenv("STAKEPLAN_JWT_SECRET", "jwt-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	t.Setenv(FileEnv, "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "memory", cfg.Store.Kind)
	assert.Equal(t, "memory", cfg.Vault.Kind)
	assert.Equal(t, "none", cfg.Archive.Kind)
	assert.Equal(t, "USDC", cfg.Asset.ID)
	assert.Equal(t, uint8(6), cfg.Asset.Decimals)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, float64(10), cfg.RateLimit.RPS)
	assert.Equal(t, 20, cfg.RateLimit.Burst)
	assert.False(t, cfg.Observability.Enabled)
}

func TestLoad_FileThenEnv(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "stakeplan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9090"
shutdown_timeout: 3s
store:
  kind: sqlite
  sqlite_path: /tmp/plans.db
archive:
  kind: fs
  dir: /tmp/archive
rate_limit:
  rps: 2
  burst: 4
`), 0o600))
	t.Setenv(FileEnv, path)
	t.Setenv("STAKEPLAN_ADDR", ":7070")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Addr, "env overrides file")
	assert.Equal(t, "sqlite", cfg.Store.Kind, "file overrides default")
	assert.Equal(t, "/tmp/plans.db", cfg.Store.SQLitePath)
	assert.Equal(t, "/tmp/archive", cfg.Archive.Dir)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, float64(2), cfg.RateLimit.RPS)
	assert.Equal(t, "USDC", cfg.Asset.ID, "defaults survive the file")
}

func TestLoad_MissingFile(t *testing.T) {
	setRequired(t)
	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_BadEnv(t *testing.T) {
	setRequired(t)
	t.Setenv(FileEnv, "")
	t.Setenv("STAKEPLAN_ASSET_DECIMALS", "lots")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Asset:     AssetConfig{ID: "USDC", Decimals: 6},
			Store:     StoreConfig{Kind: "memory"},
			Vault:     VaultConfig{Kind: "memory", CapabilitySecret: "0123456789abcdef"},
			Archive:   ArchiveConfig{Kind: "none"},
			Auth:      AuthConfig{JWTSecret: "s"},
			RateLimit: RateLimitConfig{RPS: 1, Burst: 1},
		}
	}
	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store", func(c *Config) { c.Store.Kind = "etcd" }},
		{"postgres store without url", func(c *Config) { c.Store.Kind = "postgres" }},
		{"postgres vault without url", func(c *Config) { c.Vault.Kind = "postgres" }},
		{"short capability secret", func(c *Config) { c.Vault.CapabilitySecret = "short" }},
		{"s3 without bucket", func(c *Config) { c.Archive.Kind = "s3" }},
		{"gcs without bucket", func(c *Config) { c.Archive.Kind = "gcs" }},
		{"no jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"zero burst", func(c *Config) { c.RateLimit.Burst = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, (&Config{LogLevel: "debug"}).SlogLevel())
	assert.Equal(t, slog.LevelWarn, (&Config{LogLevel: "WARN"}).SlogLevel())
	assert.Equal(t, slog.LevelInfo, (&Config{LogLevel: "verbose"}).SlogLevel())
}
