// Package config loads server configuration from an optional YAML file overlaid by
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FileEnv names the variable holding the optional YAML config path.
const FileEnv = "STAKEPLAN_CONFIG"

// Config holds server configuration.
type Config struct {
	Addr            string        `yaml:"addr" env:"STAKEPLAN_ADDR" envDefault:":8080"`
	LogLevel        string        `yaml:"log_level" env:"LOG_LEVEL" envDefault:"INFO"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"STAKEPLAN_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	Asset         AssetConfig         `yaml:"asset"`
	Store         StoreConfig         `yaml:"store"`
	Vault         VaultConfig         `yaml:"vault"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// AssetConfig names the single asset stakes are denominated in.
type AssetConfig struct {
	ID       string `yaml:"id" env:"STAKEPLAN_ASSET_ID" envDefault:"USDC"`
	Decimals uint8  `yaml:"decimals" env:"STAKEPLAN_ASSET_DECIMALS" envDefault:"6"`
}

// StoreConfig selects the plan storage backend.
type StoreConfig struct {
	Kind          string `yaml:"kind" env:"STAKEPLAN_STORE" envDefault:"memory"` // memory | sqlite | postgres | redis
	DatabaseURL   string `yaml:"database_url" env:"DATABASE_URL"`
	SQLitePath    string `yaml:"sqlite_path" env:"STAKEPLAN_SQLITE_PATH" envDefault:"data/stakeplan.db"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `yaml:"redis_prefix" env:"STAKEPLAN_REDIS_PREFIX" envDefault:"stakeplan"`
}

// VaultConfig selects the escrow backend.
type VaultConfig struct {
	Kind             string `yaml:"kind" env:"STAKEPLAN_VAULT" envDefault:"memory"` // memory | postgres
	CapabilitySecret string `yaml:"capability_secret" env:"STAKEPLAN_CAPABILITY_SECRET"`
	// OpeningBalance credits every new identity in the memory vault. Development only.
	OpeningBalance uint64 `yaml:"opening_balance" env:"STAKEPLAN_OPENING_BALANCE" envDefault:"0"`
}

// ArchiveConfig selects where settled plans are archived.
type ArchiveConfig struct {
	Kind       string `yaml:"kind" env:"STAKEPLAN_ARCHIVE" envDefault:"none"` // none | fs | s3 | gcs
	Dir        string `yaml:"dir" env:"STAKEPLAN_ARCHIVE_DIR" envDefault:"data/archive"`
	S3Bucket   string `yaml:"s3_bucket" env:"ARCHIVE_S3_BUCKET"`
	S3Region   string `yaml:"s3_region" env:"ARCHIVE_S3_REGION" envDefault:"us-east-1"`
	S3Endpoint string `yaml:"s3_endpoint" env:"ARCHIVE_S3_ENDPOINT"`
	S3Prefix   string `yaml:"s3_prefix" env:"ARCHIVE_S3_PREFIX"`
	GCSBucket  string `yaml:"gcs_bucket" env:"ARCHIVE_GCS_BUCKET"`
	GCSPrefix  string `yaml:"gcs_prefix" env:"ARCHIVE_GCS_PREFIX"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"STAKEPLAN_JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"STAKEPLAN_JWT_ISSUER"`
	Audience  string `yaml:"audience" env:"STAKEPLAN_JWT_AUDIENCE" envDefault:"stakeplan.api"`
}

// RateLimitConfig configures the per-client token bucket.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" env:"STAKEPLAN_RATE_LIMIT_RPS" envDefault:"10"`
	Burst int     `yaml:"burst" env:"STAKEPLAN_RATE_LIMIT_BURST" envDefault:"20"`
}

// ObservabilityConfig configures OTLP export.
type ObservabilityConfig struct {
	Enabled     bool    `yaml:"enabled" env:"OTEL_ENABLED" envDefault:"false"`
	Endpoint    string  `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	ServiceName string  `yaml:"service_name" env:"OTEL_SERVICE_NAME" envDefault:"stakeplan"`
	Environment string  `yaml:"environment" env:"STAKEPLAN_ENV" envDefault:"development"`
	Insecure    bool    `yaml:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRate  float64 `yaml:"sample_rate" env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"1"`
}

// Load builds the configuration: defaults, then the YAML file named by STAKEPLAN_CONFIG,
// then environment variables. Later sources win.
func Load() (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}

	if path := os.Getenv(FileEnv); path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	// Defaults already applied; only variables that are actually set may override the file.
	if err := env.ParseWithOptions(&cfg, env.Options{DefaultValueTagName: "envOverrideDefault"}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the selected backends are known and carry what they need.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Kind {
	case "memory", "sqlite", "redis":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store: DATABASE_URL is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown kind %q", c.Store.Kind))
	}

	switch c.Vault.Kind {
	case "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("vault: DATABASE_URL is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("vault: unknown kind %q", c.Vault.Kind))
	}
	if len(c.Vault.CapabilitySecret) < 16 {
		errs = append(errs, errors.New("vault: STAKEPLAN_CAPABILITY_SECRET must be at least 16 bytes"))
	}

	switch c.Archive.Kind {
	case "none", "fs", "gcs":
	case "s3":
		if c.Archive.S3Bucket == "" {
			errs = append(errs, errors.New("archive: ARCHIVE_S3_BUCKET is required for s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive: unknown kind %q", c.Archive.Kind))
	}
	if c.Archive.Kind == "gcs" && c.Archive.GCSBucket == "" {
		errs = append(errs, errors.New("archive: ARCHIVE_GCS_BUCKET is required for gcs"))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth: STAKEPLAN_JWT_SECRET is required"))
	}
	if c.Asset.ID == "" {
		errs = append(errs, errors.New("asset: id is required"))
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate_limit: rps and burst must be positive"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel onto a slog level. Unknown values fall back to Info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
