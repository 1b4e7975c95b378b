package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/fairdraw/internal/domain"
)

// DrawStore implements domain.DrawStore using PostgreSQL.
type DrawStore struct {
	pool *pgxpool.Pool
}

var _ domain.DrawStore = (*DrawStore)(nil)

// NewDrawStore creates a new DrawStore backed by the given connection pool.
func NewDrawStore(pool *pgxpool.Pool) *DrawStore {
	return &DrawStore{pool: pool}
}

const drawSelectCols = `product_id, ticket_number, nonce, tier_id, digest,
	derived_num, derived_bits, snapshot, created_at`

func scanDraw(row pgx.Row) (domain.DrawRecord, error) {
	var r domain.DrawRecord
	var num string
	var bits int16
	var snapshot []byte
	if err := row.Scan(
		&r.ProductID, &r.TicketNumber, &r.Nonce, &r.TierID, &r.Digest,
		&num, &bits, &snapshot, &r.CreatedAt,
	); err != nil {
		return domain.DrawRecord{}, err
	}
	n, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return domain.DrawRecord{}, fmt.Errorf("derived value %q: %w", num, err)
	}
	r.DerivedValue = domain.Fraction{Num: n, Bits: uint8(bits)}
	if err := json.Unmarshal(snapshot, &r.Snapshot); err != nil {
		return domain.DrawRecord{}, fmt.Errorf("snapshot: %w", err)
	}
	return r, nil
}

func collectDraws(rows pgx.Rows) ([]domain.DrawRecord, error) {
	defer rows.Close()
	var out []domain.DrawRecord
	for rows.Next() {
		r, err := scanDraw(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan draw: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: draw rows: %w", err)
	}
	return out, nil
}

// Get returns one draw record.
func (s *DrawStore) Get(ctx context.Context, productID string, ticket int64) (domain.DrawRecord, error) {
	r, err := scanDraw(s.pool.QueryRow(ctx, `
		SELECT `+drawSelectCols+` FROM draw_records
		WHERE product_id = $1 AND ticket_number = $2`, productID, ticket))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DrawRecord{}, domain.ErrNotFound
		}
		return domain.DrawRecord{}, fmt.Errorf("postgres: get draw %s#%d: %w", productID, ticket, err)
	}
	return r, nil
}

// List returns a page of draw records in ticket order.
func (s *DrawStore) List(ctx context.Context, productID string, opts domain.ListOpts) ([]domain.DrawRecord, error) {
	limit, offset := pageArgs(opts)
	rows, err := s.pool.Query(ctx, `
		SELECT `+drawSelectCols+` FROM draw_records WHERE product_id = $1
		ORDER BY ticket_number LIMIT $2 OFFSET $3`, productID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list draws %s: %w", productID, err)
	}
	return collectDraws(rows)
}

// ListAll returns every draw of a product in ticket order.
func (s *DrawStore) ListAll(ctx context.Context, productID string) ([]domain.DrawRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+drawSelectCols+` FROM draw_records WHERE product_id = $1
		ORDER BY ticket_number`, productID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list all draws %s: %w", productID, err)
	}
	return collectDraws(rows)
}

// CountByTier returns the number of draws per tier.
func (s *DrawStore) CountByTier(ctx context.Context, productID string) (map[int64]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tier_id, COUNT(*) FROM draw_records
		WHERE product_id = $1 GROUP BY tier_id`, productID)
	if err != nil {
		return nil, fmt.Errorf("postgres: count draws %s: %w", productID, err)
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var tierID, n int64
		if err := rows.Scan(&tierID, &n); err != nil {
			return nil, fmt.Errorf("postgres: scan draw count: %w", err)
		}
		out[tierID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: draw count rows: %w", err)
	}
	return out, nil
}
