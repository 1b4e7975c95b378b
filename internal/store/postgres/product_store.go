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

// ProductStore implements domain.ProductStore using PostgreSQL.
type ProductStore struct {
	pool *pgxpool.Pool
}

var _ domain.ProductStore = (*ProductStore)(nil)

// NewProductStore creates a new ProductStore backed by the given connection pool.
func NewProductStore(pool *pgxpool.Pool) *ProductStore {
	return &ProductStore{pool: pool}
}

const productSelectCols = `id, name, status, start_at, started_at, ended_at,
	COALESCE(commitment_hash, ''), last_ticket, created_at`

func scanProduct(row pgx.Row) (domain.Product, error) {
	var p domain.Product
	var status string
	err := row.Scan(
		&p.ID, &p.Name, &status,
		&p.StartAt, &p.StartedAt, &p.EndedAt,
		&p.CommitmentHash, &p.LastTicket, &p.CreatedAt,
	)
	if err != nil {
		return domain.Product{}, err
	}
	p.Status = domain.ProductStatus(status)
	return p, nil
}

func collectProducts(rows pgx.Rows) ([]domain.Product, error) {
	defer rows.Close()
	var out []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan product: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: product rows: %w", err)
	}
	return out, nil
}

// Create inserts a product and its tiers in one transaction.
func (s *ProductStore) Create(ctx context.Context, p domain.Product, tiers []domain.PrizeTier) ([]domain.PrizeTier, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO products (id, name, status, start_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.Name, string(p.Status), p.StartAt, p.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("postgres: insert product %s: %w", p.ID, err)
	}

	out := make([]domain.PrizeTier, len(tiers))
	for i, t := range tiers {
		t.ProductID = p.ID
		err := tx.QueryRow(ctx, `
			INSERT INTO prize_tiers (product_id, level, name, total, remaining, weight)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			p.ID, t.Level, t.Name, t.Total, t.Remaining, t.Weight,
		).Scan(&t.ID)
		if err != nil {
			return nil, fmt.Errorf("postgres: insert prize_tier %s: %w", t.Level, err)
		}
		out[i] = t
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit product %s: %w", p.ID, err)
	}
	return out, nil
}

// GetByID returns a product by id.
func (s *ProductStore) GetByID(ctx context.Context, id string) (domain.Product, error) {
	p, err := scanProduct(s.pool.QueryRow(ctx,
		`SELECT `+productSelectCols+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, domain.ErrNotFound
		}
		return domain.Product{}, fmt.Errorf("postgres: get product %s: %w", id, err)
	}
	return p, nil
}

// List returns products newest first.
func (s *ProductStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Product, error) {
	limit, offset := pageArgs(opts)
	rows, err := s.pool.Query(ctx, `
		SELECT `+productSelectCols+` FROM products
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list products: %w", err)
	}
	return collectProducts(rows)
}

// ListByStatus returns products with the given status, newest first.
func (s *ProductStore) ListByStatus(ctx context.Context, status domain.ProductStatus, opts domain.ListOpts) ([]domain.Product, error) {
	limit, offset := pageArgs(opts)
	rows, err := s.pool.Query(ctx, `
		SELECT `+productSelectCols+` FROM products WHERE status = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list products by status %s: %w", status, err)
	}
	return collectProducts(rows)
}

// Schedule sets start_at on a pending product.
func (s *ProductStore) Schedule(ctx context.Context, id string, startAt time.Time) (domain.Product, error) {
	p, err := scanProduct(s.pool.QueryRow(ctx, `
		UPDATE products SET start_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+productSelectCols, id, startAt.UTC()))
	if err == nil {
		return p, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, s.classifyMiss(ctx, id, domain.ErrInvalidState)
	}
	return domain.Product{}, fmt.Errorf("postgres: schedule product %s: %w", id, err)
}

// ListDue returns pending products whose start time has passed.
func (s *ProductStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Product, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+productSelectCols+` FROM products
		WHERE status = 'pending' AND start_at IS NOT NULL AND start_at <= $1
		ORDER BY start_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due products: %w", err)
	}
	return collectProducts(rows)
}

// ReserveTicket increments last_ticket of an active product. The counter is
// never decremented, so a draw that later fails leaves a gap.
func (s *ProductStore) ReserveTicket(ctx context.Context, id string) (int64, error) {
	var ticket int64
	err := s.pool.QueryRow(ctx, `
		UPDATE products SET last_ticket = last_ticket + 1
		WHERE id = $1 AND status = 'active'
		RETURNING last_ticket`, id).Scan(&ticket)
	if err == nil {
		return ticket, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, s.classifyMiss(ctx, id, domain.ErrSaleEnded)
	}
	return 0, fmt.Errorf("postgres: reserve ticket %s: %w", id, err)
}

// End moves an active product to ended.
func (s *ProductStore) End(ctx context.Context, id string, at time.Time) (domain.Product, error) {
	p, err := scanProduct(s.pool.QueryRow(ctx, `
		UPDATE products SET status = 'ended', ended_at = $2
		WHERE id = $1 AND status = 'active'
		RETURNING `+productSelectCols, id, at.UTC()))
	if err == nil {
		return p, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, s.classifyMiss(ctx, id, domain.ErrInvalidState)
	}
	return domain.Product{}, fmt.Errorf("postgres: end product %s: %w", id, err)
}

// classifyMiss distinguishes a missing product from one in the wrong state
// after a conditional update matched no rows.
func (s *ProductStore) classifyMiss(ctx context.Context, id string, stateErr error) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check product %s: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return stateErr
}

func pageArgs(opts domain.ListOpts) (limit, offset int) {
	limit = opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset = opts.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
