package domain

import (
	"fmt"
	"strings"
)

// WeightScale is the denominator of configured tier weights: a weight of
// 50_000 means a configured probability of 5%.
const WeightScale int64 = 1_000_000

// TierSpec is the administrative input describing one tier.
type TierSpec struct {
	Level  string `json:"level"`
	Name   string `json:"name"`
	Total  int64  `json:"total"`
	Weight int64  `json:"weight"`
}

// PrizeTier is a prize bucket with finite stock and a configured weight.
// Total and Weight are fixed once any draw has occurred; Remaining is only
// mutated by the stock registry.
type PrizeTier struct {
	ID        int64  `json:"id"`
	ProductID string `json:"product_id"`
	Level     string `json:"level"`
	Name      string `json:"name"`
	Total     int64  `json:"total"`
	Remaining int64  `json:"remaining"`
	Weight    int64  `json:"weight"`
}

// NewPrizeTier builds a tier with full stock.
func NewPrizeTier(productID, level, name string, total, weight int64) (PrizeTier, error) {
	t := PrizeTier{
		ProductID: productID,
		Level:     strings.TrimSpace(level),
		Name:      strings.TrimSpace(name),
		Total:     total,
		Remaining: total,
		Weight:    weight,
	}
	if err := t.Validate(); err != nil {
		return PrizeTier{}, err
	}
	return t, nil
}

// Validate checks the tier invariants.
func (t PrizeTier) Validate() error {
	switch {
	case t.Level == "":
		return fmt.Errorf("level is required: %w", ErrInvalidTier)
	case t.Total <= 0:
		return fmt.Errorf("total must be > 0, got %d: %w", t.Total, ErrInvalidTier)
	case t.Remaining < 0 || t.Remaining > t.Total:
		return fmt.Errorf("remaining %d outside [0, %d]: %w", t.Remaining, t.Total, ErrInvalidTier)
	case t.Weight <= 0 || t.Weight > WeightScale:
		return fmt.Errorf("weight must be in (0, %d], got %d: %w", WeightScale, t.Weight, ErrInvalidTier)
	}
	return nil
}

// State returns the selector view of the tier.
func (t PrizeTier) State() TierState {
	return TierState{TierID: t.ID, Remaining: t.Remaining, Weight: t.Weight}
}

// TierState is the (tierId, remaining, weight) triple consumed by weighted
// selection.
type TierState struct {
	TierID    int64 `json:"tier_id"`
	Remaining int64 `json:"remaining"`
	Weight    int64 `json:"weight"`
}

// States converts tiers to their selector view, preserving order.
func States(tiers []PrizeTier) []TierState {
	out := make([]TierState, len(tiers))
	for i, t := range tiers {
		out[i] = t.State()
	}
	return out
}
