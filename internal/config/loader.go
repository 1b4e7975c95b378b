package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FAIRDRAW_* environment variable overrides, and
// returns the final Config. A missing file leaves the defaults in place. The
// returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FAIRDRAW_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.DSN, "FAIRDRAW_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "FAIRDRAW_DATABASE_HOST")
	setInt(&cfg.Database.Port, "FAIRDRAW_DATABASE_PORT")
	setStr(&cfg.Database.Database, "FAIRDRAW_DATABASE_NAME")
	setStr(&cfg.Database.User, "FAIRDRAW_DATABASE_USER")
	setStr(&cfg.Database.Password, "FAIRDRAW_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "FAIRDRAW_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "FAIRDRAW_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "FAIRDRAW_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "FAIRDRAW_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FAIRDRAW_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FAIRDRAW_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FAIRDRAW_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FAIRDRAW_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "FAIRDRAW_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "FAIRDRAW_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "FAIRDRAW_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FAIRDRAW_S3_REGION")
	setStr(&cfg.S3.Bucket, "FAIRDRAW_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FAIRDRAW_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FAIRDRAW_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FAIRDRAW_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FAIRDRAW_S3_FORCE_PATH_STYLE")
	setBool(&cfg.S3.Anonymous, "FAIRDRAW_S3_ANONYMOUS")

	// ── Engine ──
	setInt(&cfg.Engine.MaxRetries, "FAIRDRAW_ENGINE_MAX_RETRIES")
	setStr(&cfg.Engine.Scheme, "FAIRDRAW_ENGINE_SCHEME")

	// ── Reveal ──
	setStr(&cfg.Reveal.Passphrase, "FAIRDRAW_REVEAL_PASSPHRASE")
	setStr(&cfg.Reveal.Salt, "FAIRDRAW_REVEAL_SALT")
	setInt(&cfg.Reveal.Iterations, "FAIRDRAW_REVEAL_ITERATIONS")

	// ── Signer ──
	setStr(&cfg.Signer.PrivateKey, "FAIRDRAW_SIGNER_PRIVATE_KEY")
	setStr(&cfg.Signer.EncryptedKeyPath, "FAIRDRAW_SIGNER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Signer.KeyPassword, "FAIRDRAW_SIGNER_KEY_PASSWORD")
	setStr(&cfg.Signer.ExpectedAddress, "FAIRDRAW_SIGNER_EXPECTED_ADDRESS")

	// ── Activator / archive ──
	setDuration(&cfg.Activator.Interval, "FAIRDRAW_ACTIVATOR_INTERVAL")
	setInt(&cfg.Activator.BatchSize, "FAIRDRAW_ACTIVATOR_BATCH_SIZE")
	setDuration(&cfg.Activator.LockTTL, "FAIRDRAW_ACTIVATOR_LOCK_TTL")
	setDuration(&cfg.Activator.LockWait, "FAIRDRAW_ACTIVATOR_LOCK_WAIT")
	setStr(&cfg.Archive.Schedule, "FAIRDRAW_ARCHIVE_SCHEDULE")

	// ── Server ──
	setInt(&cfg.Server.Port, "FAIRDRAW_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "FAIRDRAW_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "FAIRDRAW_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "FAIRDRAW_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "FAIRDRAW_SERVER_RATE_LIMIT_WINDOW")

	// ── Top-level ──
	setStr(&cfg.Mode, "FAIRDRAW_MODE")
	setStr(&cfg.LogLevel, "FAIRDRAW_LOG_LEVEL")
	setStr(&cfg.StoreBackend, "FAIRDRAW_STORE_BACKEND")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
