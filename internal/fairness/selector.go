package fairness

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/alanyoungcy/fairdraw/internal/domain"
)

// Select picks a tier for the derived value v.
//
// Tiers with no stock are excluded and the weights of the rest are
// renormalized. Walking tiers in ascending id order with cumulative weight
// C_i over total W, the first tier with v < C_i/W wins. The comparison is
// done exactly as v.Num*W < C_i*2^v.Bits.
//
// Select panics if v is not in [0, 1), if no tier has stock, or if an
// eligible tier has a non-positive weight. Callers check stock first.
func Select(v domain.Fraction, tiers []domain.TierState) int64 {
	if !v.Valid() {
		panic(fmt.Sprintf("fairness: derived value %d/2^%d outside [0, 1)", v.Num, v.Bits))
	}

	eligible := make([]domain.TierState, 0, len(tiers))
	for _, t := range tiers {
		if t.Remaining < 0 {
			panic(fmt.Sprintf("fairness: tier %d has negative remaining %d", t.TierID, t.Remaining))
		}
		if t.Remaining == 0 {
			continue
		}
		if t.Weight <= 0 {
			panic(fmt.Sprintf("fairness: tier %d has non-positive weight %d", t.TierID, t.Weight))
		}
		eligible = append(eligible, t)
	}
	switch len(eligible) {
	case 0:
		panic("fairness: select called with every tier depleted")
	case 1:
		return eligible[0].TierID
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].TierID < eligible[j].TierID })

	total := new(big.Int)
	for _, t := range eligible {
		total.Add(total, big.NewInt(t.Weight))
	}
	lhs := new(big.Int).Mul(new(big.Int).SetUint64(v.Num), total)

	cum := new(big.Int)
	rhs := new(big.Int)
	for _, t := range eligible {
		cum.Add(cum, big.NewInt(t.Weight))
		rhs.Lsh(cum, uint(v.Bits))
		if lhs.Cmp(rhs) < 0 {
			return t.TierID
		}
	}
	// Unreachable for a valid v: v.Num < 2^Bits implies lhs < W*2^Bits.
	return eligible[len(eligible)-1].TierID
}

// HasStock reports whether any tier can still be selected.
func HasStock(tiers []domain.TierState) bool {
	for _, t := range tiers {
		if t.Remaining > 0 {
			return true
		}
	}
	return false
}
