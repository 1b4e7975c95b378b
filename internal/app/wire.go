package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/fairdraw/internal/blob/s3"
	"github.com/alanyoungcy/fairdraw/internal/cache/local"
	"github.com/alanyoungcy/fairdraw/internal/cache/redis"
	"github.com/alanyoungcy/fairdraw/internal/config"
	"github.com/alanyoungcy/fairdraw/internal/crypto"
	"github.com/alanyoungcy/fairdraw/internal/domain"
	"github.com/alanyoungcy/fairdraw/internal/metrics"
	"github.com/alanyoungcy/fairdraw/internal/server/handler"
	"github.com/alanyoungcy/fairdraw/internal/server/middleware"
	"github.com/alanyoungcy/fairdraw/internal/store/memory"
	"github.com/alanyoungcy/fairdraw/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	Products    domain.ProductStore
	Commitments domain.CommitmentStore
	Stock       domain.StockRegistry
	Draws       domain.DrawStore
	Audit       domain.AuditStore

	// Coordination. LockManager is nil without Redis; SignalBus then falls
	// back to an in-process bus in server mode.
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Audit bundles; nil without object storage.
	Bundles *s3blob.BundleStore
	Signer  *crypto.Signer

	Metrics      *metrics.Metrics
	HealthChecks map[string]handler.HealthCheckFunc
}

// needsStores returns true for modes that read or write the live ledger.
func needsStores(mode string) bool {
	return mode != "verify"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{
		Metrics:      metrics.New(),
		HealthChecks: make(map[string]handler.HealthCheckFunc),
	}

	// --- Ledger stores ---
	if needsStores(mode) {
		switch strings.ToLower(cfg.StoreBackend) {
		case "memory":
			logger.WarnContext(ctx, "wire: using in-memory store, state is lost on restart")
			st := memory.New()
			deps.Products = st.Products
			deps.Commitments = st.Commitments
			deps.Stock = st.Stock
			deps.Draws = st.Draws
			deps.Audit = st.Audit
		default:
			pgClient, err := postgres.New(ctx, postgres.ClientConfig{
				DSN:      cfg.Database.DSN,
				Host:     cfg.Database.Host,
				Port:     cfg.Database.Port,
				Database: cfg.Database.Database,
				User:     cfg.Database.User,
				Password: cfg.Database.Password,
				SSLMode:  cfg.Database.SSLMode,
				MaxConns: cfg.Database.PoolMaxConns,
				MinConns: cfg.Database.PoolMinConns,
			})
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres: %w", err)
			}
			closers = append(closers, pgClient.Close)

			if cfg.Database.RunMigrations {
				if err := pgClient.RunMigrations(ctx); err != nil {
					cleanup()
					return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
				}
			}

			st := pgClient.Stores()
			deps.Products = st.Products
			deps.Commitments = st.Commitments
			deps.Stock = st.Stock
			deps.Draws = st.Draws
			deps.Audit = st.Audit
			deps.HealthChecks["postgres"] = pgClient.Ping
		}
	}

	// --- Redis ---
	if cfg.Redis.Enabled() && mode == "server" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.HealthChecks["redis"] = redisClient.Ping
	} else {
		deps.RateLimiter = middleware.NewLocalLimiter(0)
		if mode == "server" {
			// Single process: draw events and fairness entries stay in memory.
			deps.SignalBus = local.NewBus(0)
		}
	}

	// --- Signing key ---
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Signer.PrivateKey,
		EncryptedKeyPath: cfg.Signer.EncryptedKeyPath,
		KeyPassword:      cfg.Signer.KeyPassword,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: signer: %w", err)
	}
	if key != "" {
		if deps.Signer, err = crypto.NewSigner(key); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: signer: %w", err)
		}
	}

	// --- S3 audit bundles ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Anonymous:      cfg.S3.Anonymous,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		// A nil *Signer must not become a non-nil interface.
		var signer s3blob.ManifestSigner
		if deps.Signer != nil {
			signer = deps.Signer
		}
		objects := s3blob.NewObjects(s3Client)
		deps.Bundles = s3blob.NewBundleStore(objects, objects, signer)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	return deps, cleanup, nil
}
