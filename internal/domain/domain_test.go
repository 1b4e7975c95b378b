package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProduct(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	p, tiers, err := NewProduct("  Box  ", &start, []TierSpec{
		{Level: "A", Name: "Grand", Total: 1, Weight: 10_000},
		{Level: "B", Name: "Rest", Total: 9, Weight: 990_000},
	})
	require.NoError(t, err)
	assert.Equal(t, "Box", p.Name)
	assert.Equal(t, ProductStatusPending, p.Status)
	require.NotNil(t, p.StartAt)
	assert.Equal(t, time.UTC, p.StartAt.Location())
	assert.False(t, p.Committed())
	require.Len(t, tiers, 2)
	for _, tier := range tiers {
		assert.Equal(t, p.ID, tier.ProductID)
		assert.Equal(t, tier.Total, tier.Remaining)
	}
	assert.EqualValues(t, 10, TotalTickets(tiers))
	assert.EqualValues(t, 10, RemainingTickets(tiers))
}

func TestNewProductRejectsBadInput(t *testing.T) {
	_, _, err := NewProduct("", nil, []TierSpec{{Level: "A", Total: 1, Weight: 1}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = NewProduct("box", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidTier)

	cases := []TierSpec{
		{Level: "", Total: 1, Weight: 1},
		{Level: "A", Total: 0, Weight: 1},
		{Level: "A", Total: 1, Weight: 0},
		{Level: "A", Total: 1, Weight: WeightScale + 1},
	}
	for _, ts := range cases {
		_, _, err := NewProduct("box", nil, []TierSpec{ts})
		assert.ErrorIs(t, err, ErrInvalidTier, "%+v", ts)
	}
}

func TestPrizeTierValidateRemaining(t *testing.T) {
	tier, err := NewPrizeTier("p", "A", "a", 3, 1)
	require.NoError(t, err)
	tier.Remaining = 4
	assert.ErrorIs(t, tier.Validate(), ErrInvalidTier)
	tier.Remaining = -1
	assert.ErrorIs(t, tier.Validate(), ErrInvalidTier)
	tier.Remaining = 0
	assert.NoError(t, tier.Validate())
}

func TestFraction(t *testing.T) {
	assert.True(t, Fraction{Num: 0, Bits: 8}.Valid())
	assert.True(t, Fraction{Num: 255, Bits: 8}.Valid())
	assert.False(t, Fraction{Num: 256, Bits: 8}.Valid())
	assert.False(t, Fraction{Num: 0, Bits: 0}.Valid())
	assert.True(t, Fraction{Num: ^uint64(0), Bits: 64}.Valid())
	assert.InDelta(t, 0.5, Fraction{Num: 128, Bits: 8}.Float64(), 1e-12)
}

func TestDrawRecordExpectedRemaining(t *testing.T) {
	rec := DrawRecord{
		TierID: 2,
		Snapshot: []TierState{
			{TierID: 1, Remaining: 4, Weight: 1},
			{TierID: 2, Remaining: 7, Weight: 1},
		},
	}
	got, ok := rec.ExpectedRemaining()
	require.True(t, ok)
	assert.EqualValues(t, 7, got)

	rec.TierID = 9
	_, ok = rec.ExpectedRemaining()
	assert.False(t, ok)
}

func TestAuditPaths(t *testing.T) {
	assert.Equal(t, "audit/abc/manifest.json", ManifestPath("abc"))
	assert.Equal(t, "audit/abc/draws.jsonl", DrawsPath("abc"))
	assert.Equal(t, "draws:abc", DrawChannel("abc"))

	id, ok := ManifestProductID("audit/abc/manifest.json")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
	for _, path := range []string{"audit/abc/draws.jsonl", "audit//manifest.json", "audit/a/b/manifest.json", "other/abc/manifest.json"} {
		_, ok := ManifestProductID(path)
		assert.False(t, ok, path)
	}
}
