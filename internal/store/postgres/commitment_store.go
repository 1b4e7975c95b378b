package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/fairdraw/internal/domain"
)

// CommitmentStore implements domain.CommitmentStore using PostgreSQL.
type CommitmentStore struct {
	pool *pgxpool.Pool
}

var _ domain.CommitmentStore = (*CommitmentStore)(nil)

// NewCommitmentStore creates a new CommitmentStore backed by the given connection pool.
func NewCommitmentStore(pool *pgxpool.Pool) *CommitmentStore {
	return &CommitmentStore{pool: pool}
}

// Activate performs the pending to active transition together with the
// commitment and reveal inserts. Either all three land or none do.
func (s *CommitmentStore) Activate(ctx context.Context, c domain.Commitment, r domain.Reveal, startedAt time.Time) (domain.Product, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Product{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	var startAt *time.Time
	var existing *string
	err = tx.QueryRow(ctx, `
		SELECT status, start_at, commitment_hash FROM products
		WHERE id = $1 FOR UPDATE`, c.ProductID,
	).Scan(&status, &startAt, &existing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, domain.ErrNotFound
		}
		return domain.Product{}, fmt.Errorf("postgres: lock product %s: %w", c.ProductID, err)
	}
	switch {
	case existing != nil:
		return domain.Product{}, domain.ErrAlreadyCommitted
	case domain.ProductStatus(status) != domain.ProductStatusPending:
		return domain.Product{}, domain.ErrInvalidState
	case startAt == nil:
		return domain.Product{}, domain.ErrNoStartTime
	}

	p, err := scanProduct(tx.QueryRow(ctx, `
		UPDATE products
		SET status = 'active', started_at = $2, commitment_hash = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+productSelectCols,
		c.ProductID, startedAt.UTC(), c.Hash,
	))
	if err != nil {
		return domain.Product{}, fmt.Errorf("postgres: activate product %s: %w", c.ProductID, err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO commitments (product_id, hash, scheme, committed_at)
		VALUES ($1, $2, $3, $4)`,
		c.ProductID, c.Hash, c.Scheme, c.CommittedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return domain.Product{}, domain.ErrAlreadyCommitted
		}
		return domain.Product{}, fmt.Errorf("postgres: insert commitment %s: %w", c.ProductID, err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO reveals (product_id, sealed_seed, created_at)
		VALUES ($1, $2, $3)`,
		r.ProductID, r.SealedSeed, r.CreatedAt,
	); err != nil {
		return domain.Product{}, fmt.Errorf("postgres: insert reveal %s: %w", r.ProductID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Product{}, fmt.Errorf("postgres: commit activation %s: %w", c.ProductID, err)
	}
	return p, nil
}

// GetCommitment returns the public commitment of a product.
func (s *CommitmentStore) GetCommitment(ctx context.Context, productID string) (domain.Commitment, error) {
	var c domain.Commitment
	err := s.pool.QueryRow(ctx, `
		SELECT product_id, hash, scheme, committed_at
		FROM commitments WHERE product_id = $1`, productID,
	).Scan(&c.ProductID, &c.Hash, &c.Scheme, &c.CommittedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Commitment{}, domain.ErrNotFound
		}
		return domain.Commitment{}, fmt.Errorf("postgres: get commitment %s: %w", productID, err)
	}
	return c, nil
}

// GetReveal returns the sealed seed of a product.
func (s *CommitmentStore) GetReveal(ctx context.Context, productID string) (domain.Reveal, error) {
	var r domain.Reveal
	err := s.pool.QueryRow(ctx, `
		SELECT product_id, sealed_seed, created_at
		FROM reveals WHERE product_id = $1`, productID,
	).Scan(&r.ProductID, &r.SealedSeed, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Reveal{}, domain.ErrNotFound
		}
		return domain.Reveal{}, fmt.Errorf("postgres: get reveal %s: %w", productID, err)
	}
	return r, nil
}
