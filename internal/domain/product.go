package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProductStatus tracks the sale lifecycle.
type ProductStatus string

const (
	ProductStatusPending ProductStatus = "pending"
	ProductStatusActive  ProductStatus = "active"
	ProductStatusEnded   ProductStatus = "ended"
)

// Product is a blind-box sale: a fixed pool of prize tiers sold as
// sequential draws.
type Product struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Status         ProductStatus `json:"status"`
	StartAt        *time.Time    `json:"start_at,omitempty"` // scheduled start
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	CommitmentHash string        `json:"commitment_hash,omitempty"`
	LastTicket     int64         `json:"last_ticket"`
	CreatedAt      time.Time     `json:"created_at"`
}

// NewProduct validates the input and builds a pending product together with
// its tiers. Tier IDs are assigned by the store.
func NewProduct(name string, startAt *time.Time, specs []TierSpec) (Product, []PrizeTier, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Product{}, nil, fmt.Errorf("product: name is required: %w", ErrInvalidInput)
	}
	if len(specs) == 0 {
		return Product{}, nil, fmt.Errorf("product: at least one tier is required: %w", ErrInvalidTier)
	}

	p := Product{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    ProductStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if startAt != nil {
		at := startAt.UTC()
		p.StartAt = &at
	}

	tiers := make([]PrizeTier, 0, len(specs))
	for i, ts := range specs {
		t, err := NewPrizeTier(p.ID, ts.Level, ts.Name, ts.Total, ts.Weight)
		if err != nil {
			return Product{}, nil, fmt.Errorf("product: tier %d: %w", i, err)
		}
		tiers = append(tiers, t)
	}
	return p, tiers, nil
}

// Committed reports whether the commitment has been fixed.
func (p Product) Committed() bool {
	return p.CommitmentHash != "" && p.Status != ProductStatusPending
}

// TotalTickets sums the initial stock of tiers.
func TotalTickets(tiers []PrizeTier) int64 {
	var n int64
	for _, t := range tiers {
		n += t.Total
	}
	return n
}

// RemainingTickets sums the remaining stock of tiers.
func RemainingTickets(tiers []PrizeTier) int64 {
	var n int64
	for _, t := range tiers {
		n += t.Remaining
	}
	return n
}
