package domain

import (
	"math"
	"time"
)

// Fraction is an exact value Num / 2^Bits in [0, 1).
type Fraction struct {
	Num  uint64 `json:"num,string"`
	Bits uint8  `json:"bits"`
}

// Valid reports whether f lies in [0, 1) with a supported width.
func (f Fraction) Valid() bool {
	if f.Bits == 0 || f.Bits > 64 {
		return false
	}
	if f.Bits == 64 {
		return true
	}
	return f.Num < uint64(1)<<f.Bits
}

// Float64 approximates f for display. Never use it for selection.
func (f Fraction) Float64() float64 {
	return float64(f.Num) / math.Exp2(float64(f.Bits))
}

// DrawRecord is the immutable outcome of one ticket.
type DrawRecord struct {
	ProductID    string      `json:"product_id"`
	TicketNumber int64       `json:"ticket_number"`
	Nonce        int64       `json:"nonce"`
	TierID       int64       `json:"tier_id"`
	Digest       string      `json:"digest"`
	DerivedValue Fraction    `json:"derived_value"`
	Snapshot     []TierState `json:"snapshot"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ExpectedRemaining returns the remaining count of the selected tier as seen
// by the snapshot, i.e. the value its compare-and-decrement was checked
// against.
func (r DrawRecord) ExpectedRemaining() (int64, bool) {
	for _, s := range r.Snapshot {
		if s.TierID == r.TierID {
			return s.Remaining, true
		}
	}
	return 0, false
}

// Summary strips the verification-only fields.
func (r DrawRecord) Summary() DrawSummary {
	return DrawSummary{
		TicketNumber: r.TicketNumber,
		TierID:       r.TierID,
		CreatedAt:    r.CreatedAt,
	}
}

// DrawSummary is the public listing view of a draw.
type DrawSummary struct {
	TicketNumber int64     `json:"ticket_number"`
	TierID       int64     `json:"tier_id"`
	CreatedAt    time.Time `json:"created_at"`
}
