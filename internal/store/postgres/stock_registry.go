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

// StockRegistry implements domain.StockRegistry over prize_tiers. Remaining
// counts only move through the conditional UPDATE below.
type StockRegistry struct {
	pool *pgxpool.Pool
}

var _ domain.StockRegistry = (*StockRegistry)(nil)

// NewStockRegistry creates a new StockRegistry backed by the given connection pool.
func NewStockRegistry(pool *pgxpool.Pool) *StockRegistry {
	return &StockRegistry{pool: pool}
}

const decrementSQL = `
	UPDATE prize_tiers SET remaining = remaining - 1
	WHERE id = $1 AND remaining = $2 AND remaining > 0`

// Snapshot returns the tiers of a product in ascending id order.
func (s *StockRegistry) Snapshot(ctx context.Context, productID string) ([]domain.PrizeTier, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, product_id, level, name, total, remaining, weight
		FROM prize_tiers WHERE product_id = $1 ORDER BY id`, productID)
	if err != nil {
		return nil, fmt.Errorf("postgres: snapshot tiers %s: %w", productID, err)
	}
	defer rows.Close()

	var tiers []domain.PrizeTier
	for rows.Next() {
		var t domain.PrizeTier
		if err := rows.Scan(&t.ID, &t.ProductID, &t.Level, &t.Name, &t.Total, &t.Remaining, &t.Weight); err != nil {
			return nil, fmt.Errorf("postgres: scan tier: %w", err)
		}
		tiers = append(tiers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: tier rows: %w", err)
	}
	if len(tiers) == 0 {
		return nil, domain.ErrNotFound
	}
	return tiers, nil
}

// TryDecrement is the single-statement compare-and-decrement.
func (s *StockRegistry) TryDecrement(ctx context.Context, tierID, expectedRemaining int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, decrementSQL, tierID, expectedRemaining)
	if err != nil {
		return false, fmt.Errorf("postgres: decrement tier %d: %w", tierID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// DecrementAndRecord runs the compare-and-decrement and the record insert in
// one transaction. A lost race rolls back and writes nothing. The product row
// is share-locked for the whole transaction, so an End waits for in-flight
// draws and a draw that loses to End fails with domain.ErrSaleEnded.
func (s *StockRegistry) DecrementAndRecord(ctx context.Context, rec domain.DrawRecord, expectedRemaining int64) (bool, error) {
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return false, fmt.Errorf("postgres: marshal snapshot: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	if err := tx.QueryRow(ctx,
		`SELECT status FROM products WHERE id = $1 FOR SHARE`, rec.ProductID,
	).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.ErrNotFound
		}
		return false, fmt.Errorf("postgres: lock product %s: %w", rec.ProductID, err)
	}
	if domain.ProductStatus(status) != domain.ProductStatusActive {
		return false, domain.ErrSaleEnded
	}

	tag, err := tx.Exec(ctx, decrementSQL+` AND product_id = $3`, rec.TierID, expectedRemaining, rec.ProductID)
	if err != nil {
		return false, fmt.Errorf("postgres: decrement tier %d: %w", rec.TierID, err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO draw_records
			(product_id, ticket_number, nonce, tier_id, digest, derived_num, derived_bits, snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ProductID, rec.TicketNumber, rec.Nonce, rec.TierID, rec.Digest,
		strconv.FormatUint(rec.DerivedValue.Num, 10), int16(rec.DerivedValue.Bits),
		snapshot, rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, domain.ErrAlreadyExists
		}
		return false, fmt.Errorf("postgres: insert draw %s#%d: %w", rec.ProductID, rec.TicketNumber, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("postgres: commit draw %s#%d: %w", rec.ProductID, rec.TicketNumber, err)
	}
	return true, nil
}
