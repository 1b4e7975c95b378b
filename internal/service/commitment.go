package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/fairdraw/internal/domain"
	"github.com/alanyoungcy/fairdraw/internal/fairness"
	"github.com/alanyoungcy/fairdraw/internal/metrics"
)

// SeedSealer encrypts seeds at rest, bound to their product id.
type SeedSealer interface {
	Seal(seed []byte, productID string) ([]byte, error)
	Open(sealed []byte, productID string) ([]byte, error)
}

// SeedSource yields the plaintext seed of a committed product.
type SeedSource interface {
	RevealSeed(ctx context.Context, productID string) ([]byte, error)
}

// CommitmentConfig holds the commitment parameters.
type CommitmentConfig struct {
	Scheme   fairness.Scheme
	LockTTL  time.Duration
	LockWait time.Duration
}

// CommitmentManager fixes the seed of a product exactly once, at the
// pending to active transition.
type CommitmentManager struct {
	products    domain.ProductStore
	commitments domain.CommitmentStore
	locks       domain.LockManager
	audit       domain.AuditStore
	sealer      SeedSealer
	random      io.Reader
	metrics     *metrics.Metrics
	cfg         CommitmentConfig
	now         func() time.Time
	logger      *slog.Logger
}

// NewCommitmentManager creates a CommitmentManager. locks, audit and m may
// be nil. Seeds are read from crypto/rand unless WithRandom overrides it.
func NewCommitmentManager(
	products domain.ProductStore,
	commitments domain.CommitmentStore,
	locks domain.LockManager,
	audit domain.AuditStore,
	sealer SeedSealer,
	m *metrics.Metrics,
	cfg CommitmentConfig,
	logger *slog.Logger,
) *CommitmentManager {
	if cfg.Scheme.Name == "" {
		cfg.Scheme = fairness.Default
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 2 * time.Second
	}
	return &CommitmentManager{
		products:    products,
		commitments: commitments,
		locks:       locks,
		audit:       audit,
		sealer:      sealer,
		random:      rand.Reader,
		metrics:     m,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

// WithRandom replaces the seed source. Intended for tests.
func (m *CommitmentManager) WithRandom(r io.Reader) *CommitmentManager {
	m.random = r
	return m
}

// Commit generates and seals a seed, publishes its commitment hash and
// activates the product in one store transaction. Repeated calls return the
// existing commitment with Existing set and no seed.
func (m *CommitmentManager) Commit(ctx context.Context, productID string) (domain.CommitResult, error) {
	if m.locks != nil {
		unlock, err := m.locks.Acquire(ctx, "commit:"+productID, m.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			m.logger.InfoContext(ctx, "commitment: lock held elsewhere, waiting for commitment",
				slog.String("product_id", productID),
			)
			return m.awaitExisting(ctx, productID)
		}
		if err != nil {
			m.metrics.Commit("error")
			return domain.CommitResult{}, fmt.Errorf("commitment: lock %s: %w", productID, err)
		}
		defer unlock()
	}

	p, err := m.products.GetByID(ctx, productID)
	if err != nil {
		return domain.CommitResult{}, fmt.Errorf("commitment: get product %s: %w", productID, err)
	}
	if p.Committed() {
		return m.existing(ctx, productID)
	}
	if p.Status != domain.ProductStatusPending {
		return domain.CommitResult{}, fmt.Errorf("commitment: product %s is %s: %w", productID, p.Status, domain.ErrInvalidState)
	}
	if p.StartAt == nil {
		return domain.CommitResult{}, fmt.Errorf("commitment: product %s: %w", productID, domain.ErrNoStartTime)
	}

	seed := make([]byte, fairness.SeedSize)
	if _, err := io.ReadFull(m.random, seed); err != nil {
		m.metrics.Commit("error")
		m.logger.ErrorContext(ctx, "commitment: random source failed",
			slog.String("product_id", productID),
			slog.String("error", err.Error()),
		)
		return domain.CommitResult{}, fmt.Errorf("commitment: read seed: %w: %w", domain.ErrRandomnessUnavailable, err)
	}

	sealed, err := m.sealer.Seal(seed, productID)
	if err != nil {
		m.metrics.Commit("error")
		return domain.CommitResult{}, fmt.Errorf("commitment: seal seed %s: %w", productID, err)
	}

	now := m.now()
	c := domain.Commitment{
		ProductID:   productID,
		Hash:        m.cfg.Scheme.CommitmentHash(seed),
		Scheme:      m.cfg.Scheme.Name,
		CommittedAt: now,
	}
	r := domain.Reveal{ProductID: productID, SealedSeed: sealed, CreatedAt: now}

	if _, err := m.commitments.Activate(ctx, c, r, now); err != nil {
		if errors.Is(err, domain.ErrAlreadyCommitted) {
			return m.existing(ctx, productID)
		}
		m.metrics.Commit("error")
		return domain.CommitResult{}, fmt.Errorf("commitment: activate %s: %w", productID, err)
	}

	m.metrics.Commit("created")
	m.logger.InfoContext(ctx, "commitment: product activated",
		slog.String("product_id", productID),
		slog.String("commitment_hash", c.Hash),
		slog.String("scheme", c.Scheme),
	)
	logAudit(ctx, m.audit, m.logger, "commitment_created", map[string]any{
		"product_id":      productID,
		"commitment_hash": c.Hash,
		"scheme":          c.Scheme,
	})
	return domain.CommitResult{Commitment: c, Seed: seed}, nil
}

func (m *CommitmentManager) existing(ctx context.Context, productID string) (domain.CommitResult, error) {
	c, err := m.commitments.GetCommitment(ctx, productID)
	if err != nil {
		return domain.CommitResult{}, fmt.Errorf("commitment: get existing %s: %w", productID, err)
	}
	m.metrics.Commit("existing")
	return domain.CommitResult{Commitment: c, Existing: true}, nil
}

// awaitExisting polls for the commitment another holder is creating.
func (m *CommitmentManager) awaitExisting(ctx context.Context, productID string) (domain.CommitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.LockWait)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		c, err := m.commitments.GetCommitment(ctx, productID)
		if err == nil {
			m.metrics.Commit("existing")
			return domain.CommitResult{Commitment: c, Existing: true}, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.CommitResult{}, fmt.Errorf("commitment: get existing %s: %w", productID, err)
		}
		select {
		case <-ctx.Done():
			return domain.CommitResult{}, fmt.Errorf("commitment: %s: %w", productID, domain.ErrLockHeld)
		case <-ticker.C:
		}
	}
}

// RevealSeed unseals the stored seed regardless of product status. Public
// callers go through SaleService, which only reveals ended products.
func (m *CommitmentManager) RevealSeed(ctx context.Context, productID string) ([]byte, error) {
	r, err := m.commitments.GetReveal(ctx, productID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("commitment: reveal %s: %w", productID, domain.ErrNotCommitted)
		}
		return nil, fmt.Errorf("commitment: get reveal %s: %w", productID, err)
	}
	seed, err := m.sealer.Open(r.SealedSeed, productID)
	if err != nil {
		return nil, fmt.Errorf("commitment: unseal %s: %w", productID, err)
	}
	return seed, nil
}
