// Package config defines the top-level configuration for the fairdraw
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/fairdraw/internal/fairness"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FAIRDRAW_* environment variables.
type Config struct {
	Database     DatabaseConfig  `toml:"database"`
	Redis        RedisConfig     `toml:"redis"`
	S3           S3Config        `toml:"s3"`
	Engine       EngineConfig    `toml:"engine"`
	Reveal       RevealConfig    `toml:"reveal"`
	Signer       SignerConfig    `toml:"signer"`
	Activator    ActivatorConfig `toml:"activator"`
	Archive      ArchiveConfig   `toml:"archive"`
	Server       ServerConfig    `toml:"server"`
	Mode         string          `toml:"mode"`
	LogLevel     string          `toml:"log_level"`
	StoreBackend string          `toml:"store_backend"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty Addr disables
// Redis; the service then uses in-process rate limiting and no event bus.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Addr) != "" }

// S3Config holds S3-compatible object storage parameters for audit bundles.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Anonymous      bool   `toml:"anonymous"`
}

// EngineConfig tunes the draw engine.
type EngineConfig struct {
	MaxRetries int    `toml:"max_retries"`
	Scheme     string `toml:"scheme"`
}

// RevealConfig holds the key material that seals seeds at rest.
type RevealConfig struct {
	Passphrase string `toml:"passphrase"`
	Salt       string `toml:"salt"`
	Iterations int    `toml:"iterations"`
}

// SignerConfig holds the operator key that signs audit manifests, and the
// address offline verification expects.
type SignerConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	ExpectedAddress  string `toml:"expected_address"`
}

// ActivatorConfig controls the scheduled activation loop and commit lock.
type ActivatorConfig struct {
	Interval  duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
	LockTTL   duration `toml:"lock_ttl"`
	LockWait  duration `toml:"lock_wait"`
}

// ArchiveConfig controls periodic audit export in server mode.
type ArchiveConfig struct {
	Schedule string `toml:"schedule"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "fairdraw",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "fairdraw-audit",
			ForcePathStyle: true,
		},
		Engine: EngineConfig{
			MaxRetries: 8,
			Scheme:     fairness.Default.Name,
		},
		Reveal: RevealConfig{
			Iterations: 210_000,
		},
		Activator: ActivatorConfig{
			Interval:  duration{5 * time.Second},
			BatchSize: 100,
			LockTTL:   duration{10 * time.Second},
			LockWait:  duration{2 * time.Second},
		},
		Archive: ArchiveConfig{
			Schedule: "*/5 * * * *",
		},
		Server: ServerConfig{
			Port:            8000,
			CORSOrigins:     []string{"*"},
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
		},
		Mode:         "server",
		LogLevel:     "info",
		StoreBackend: "postgres",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"verify":  true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	"memory":   true,
	"postgres": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, verify, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	backend := strings.ToLower(c.StoreBackend)
	if !validBackends[backend] {
		errs = append(errs, fmt.Sprintf("unknown store_backend %q (valid: memory, postgres)", c.StoreBackend))
	}

	// Database
	if backend == "postgres" && mode != "verify" {
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				errs = append(errs, "database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
			}
			if c.Database.Database == "" {
				errs = append(errs, "database: database must not be empty")
			}
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns < 0 {
			errs = append(errs, "database: pool_min_conns must be >= 0")
		}
		if c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
		}
	}
	if backend == "memory" && mode == "archive" {
		errs = append(errs, "store_backend: archive mode needs the postgres backend")
	}

	// Redis
	if c.Redis.Enabled() && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	needsS3 := mode == "verify" || mode == "archive"
	if needsS3 && !c.S3.Enabled {
		errs = append(errs, "s3: must be enabled for mode "+mode)
	}
	if c.S3.Enabled || needsS3 {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Engine
	if c.Engine.MaxRetries < 1 {
		errs = append(errs, "engine: max_retries must be >= 1")
	}
	if _, err := fairness.Lookup(c.Engine.Scheme); err != nil {
		errs = append(errs, "engine: "+err.Error())
	}

	// Reveal: the sealing key protects every unrevealed seed.
	if mode != "verify" {
		if c.Reveal.Passphrase == "" {
			errs = append(errs, "reveal: passphrase must be set")
		}
		if c.Reveal.Salt == "" {
			errs = append(errs, "reveal: salt must be set")
		}
		if c.Reveal.Iterations < 10_000 {
			errs = append(errs, "reveal: iterations must be >= 10000")
		}
	}

	// Signer
	if c.Signer.EncryptedKeyPath != "" && c.Signer.KeyPassword == "" {
		errs = append(errs, "signer: key_password is required when encrypted_key_path is set")
	}

	// Activator and archive
	if mode == "server" {
		if c.Activator.Interval.Duration <= 0 {
			errs = append(errs, "activator: interval must be > 0")
		}
		if c.Activator.BatchSize < 1 {
			errs = append(errs, "activator: batch_size must be >= 1")
		}
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
			errs = append(errs, "server: rate_limit_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
