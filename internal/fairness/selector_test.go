package fairness

import (
	"crypto/sha256"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fairdraw/internal/domain"
)

func frac(num uint64, bits uint8) domain.Fraction {
	return domain.Fraction{Num: num, Bits: bits}
}

func TestSelectBoundaries(t *testing.T) {
	tiers := []domain.TierState{
		{TierID: 1, Remaining: 1, Weight: 1},
		{TierID: 2, Remaining: 1, Weight: 1},
	}
	assert.EqualValues(t, 1, Select(frac(0, 8), tiers))
	assert.EqualValues(t, 1, Select(frac(127, 8), tiers))
	assert.EqualValues(t, 2, Select(frac(128, 8), tiers))
	assert.EqualValues(t, 2, Select(frac(255, 8), tiers))
	assert.EqualValues(t, 2, Select(frac(math.MaxUint64, 64), tiers))
}

func TestSelectOrdersByTierID(t *testing.T) {
	forward := []domain.TierState{
		{TierID: 3, Remaining: 5, Weight: 750_000},
		{TierID: 1, Remaining: 5, Weight: 50_000},
		{TierID: 2, Remaining: 5, Weight: 200_000},
	}
	reversed := []domain.TierState{forward[2], forward[1], forward[0]}
	for num := uint64(0); num < 256; num++ {
		v := frac(num, 8)
		assert.Equal(t, Select(v, forward), Select(v, reversed), "num=%d", num)
	}
	// 5% of 256 is 12.8, so 12 is the last value landing in tier 1.
	assert.EqualValues(t, 1, Select(frac(12, 8), forward))
	assert.EqualValues(t, 2, Select(frac(13, 8), forward))
}

func TestSelectRenormalizesAroundDepletedTiers(t *testing.T) {
	tiers := []domain.TierState{
		{TierID: 1, Remaining: 3, Weight: 1},
		{TierID: 2, Remaining: 0, Weight: 1_000},
		{TierID: 3, Remaining: 3, Weight: 1},
	}
	assert.EqualValues(t, 1, Select(frac(127, 8), tiers))
	assert.EqualValues(t, 3, Select(frac(128, 8), tiers))
	for num := uint64(0); num < 256; num++ {
		assert.NotEqualValues(t, 2, Select(frac(num, 8), tiers))
	}
}

func TestSelectSingleTierIsCertain(t *testing.T) {
	tiers := []domain.TierState{
		{TierID: 1, Remaining: 0, Weight: 999_999},
		{TierID: 2, Remaining: 1, Weight: 1},
	}
	for _, num := range []uint64{0, 1, 1 << 40, math.MaxUint64} {
		assert.EqualValues(t, 2, Select(frac(num, 64), tiers))
	}
}

func TestSelectPanicsOnMalformedInput(t *testing.T) {
	depleted := []domain.TierState{{TierID: 1, Remaining: 0, Weight: 1}}
	assert.Panics(t, func() { Select(frac(0, 8), depleted) })
	assert.Panics(t, func() { Select(frac(0, 8), nil) })
	assert.Panics(t, func() { Select(frac(256, 8), []domain.TierState{{TierID: 1, Remaining: 1, Weight: 1}}) })
	assert.Panics(t, func() {
		Select(frac(0, 8), []domain.TierState{{TierID: 1, Remaining: 1, Weight: 0}, {TierID: 2, Remaining: 1, Weight: 1}})
	})
	assert.Panics(t, func() { Select(frac(0, 8), []domain.TierState{{TierID: 1, Remaining: -1, Weight: 1}}) })
}

func TestSelectDeterministic(t *testing.T) {
	seed := testSeed()
	tiers := []domain.TierState{
		{TierID: 10, Remaining: 1, Weight: 10_000},
		{TierID: 11, Remaining: 4, Weight: 40_000},
		{TierID: 12, Remaining: 95, Weight: 950_000},
	}
	for n := int64(1); n <= 200; n++ {
		v := Default.Derive(Default.Digest(seed, n))
		assert.Equal(t, Select(v, tiers), Select(v, tiers))
	}
}

// With stock kept plentiful, selection frequencies follow the configured
// weights. The statistic is compared against the chi-square critical value
// for 2 degrees of freedom at 95%.
func TestSelectFrequencyMatchesWeights(t *testing.T) {
	const draws = 100_000
	const critical = 5.991

	tiers := []domain.TierState{
		{TierID: 1, Remaining: 5, Weight: 50_000},
		{TierID: 2, Remaining: 20, Weight: 200_000},
		{TierID: 3, Remaining: 975, Weight: 750_000},
	}
	seed := sha256.Sum256([]byte("weighted-selection"))

	observed := map[int64]int{}
	for n := int64(1); n <= draws; n++ {
		v := Default.Derive(Default.Digest(seed[:], n))
		observed[Select(v, tiers)]++
	}

	var chi2 float64
	for _, tier := range tiers {
		expected := float64(draws) * float64(tier.Weight) / float64(domain.WeightScale)
		diff := float64(observed[tier.TierID]) - expected
		chi2 += diff * diff / expected
	}
	require.Len(t, observed, 3)
	assert.Less(t, chi2, critical, "observed=%v", observed)
}

func TestHasStock(t *testing.T) {
	assert.False(t, HasStock(nil))
	assert.False(t, HasStock([]domain.TierState{{TierID: 1}}))
	assert.True(t, HasStock([]domain.TierState{{TierID: 1}, {TierID: 2, Remaining: 1}}))
}
