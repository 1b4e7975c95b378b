package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// ProductStore persists products and their ticket sequence.
type ProductStore interface {
	// Create inserts the product and its tiers, returning the tiers with
	// their store-assigned ids in ascending order.
	Create(ctx context.Context, p Product, tiers []PrizeTier) ([]PrizeTier, error)
	GetByID(ctx context.Context, id string) (Product, error)
	List(ctx context.Context, opts ListOpts) ([]Product, error)
	ListByStatus(ctx context.Context, status ProductStatus, opts ListOpts) ([]Product, error)
	// Schedule sets the start time of a pending product.
	Schedule(ctx context.Context, id string, startAt time.Time) (Product, error)
	// ListDue returns pending products whose start time is at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Product, error)
	// ReserveTicket atomically increments the ticket counter of an active
	// product. Returns ErrSaleEnded when the product is not active.
	ReserveTicket(ctx context.Context, id string) (int64, error)
	// End moves an active product to ended. Returns ErrInvalidState otherwise.
	End(ctx context.Context, id string, at time.Time) (Product, error)
}

// CommitmentStore persists the write-once commitment and sealed reveal.
type CommitmentStore interface {
	// Activate transitions a pending product to active and stores the
	// commitment and reveal in the same transaction.
	Activate(ctx context.Context, c Commitment, r Reveal, startedAt time.Time) (Product, error)
	GetCommitment(ctx context.Context, productID string) (Commitment, error)
	GetReveal(ctx context.Context, productID string) (Reveal, error)
}

// StockRegistry owns the per-tier remaining counters.
type StockRegistry interface {
	// Snapshot returns the tiers of a product in ascending id order.
	Snapshot(ctx context.Context, productID string) ([]PrizeTier, error)
	// TryDecrement decrements remaining by one only if it still equals
	// expectedRemaining.
	TryDecrement(ctx context.Context, tierID, expectedRemaining int64) (bool, error)
	// DecrementAndRecord performs TryDecrement and, on success, inserts rec
	// in the same transaction. Nothing is written when the decrement fails.
	DecrementAndRecord(ctx context.Context, rec DrawRecord, expectedRemaining int64) (bool, error)
}

// DrawStore reads persisted draw records. Records are only written through
// StockRegistry.DecrementAndRecord.
type DrawStore interface {
	Get(ctx context.Context, productID string, ticket int64) (DrawRecord, error)
	List(ctx context.Context, productID string, opts ListOpts) ([]DrawRecord, error)
	// ListAll returns every record of a product in ticket order.
	ListAll(ctx context.Context, productID string) ([]DrawRecord, error)
	CountByTier(ctx context.Context, productID string) (map[int64]int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
