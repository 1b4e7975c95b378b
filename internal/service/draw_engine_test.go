package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fairdraw/internal/domain"
	"github.com/alanyoungcy/fairdraw/internal/fairness"
)

func TestSequentialDrawsExhaustStock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, EngineConfig{})
	v := h.startProduct(t, abcTiers())
	id := v.Product.ID

	seen := map[int64]int64{}
	for i := int64(1); i <= 100; i++ {
		rec, err := h.engine.Draw(ctx, id)
		require.NoError(t, err, "ticket %d", i)
		assert.Equal(t, i, rec.TicketNumber)
		assert.Equal(t, i, rec.Nonce)

		want := fairness.Default.Derivation(testSeed(), i)
		assert.Equal(t, want.Digest, rec.Digest)
		assert.Equal(t, want.Value, rec.DerivedValue)
		assert.Equal(t, fairness.Select(rec.DerivedValue, rec.Snapshot), rec.TierID)
		seen[rec.TierID]++
	}
	for _, tier := range v.Tiers {
		assert.Equal(t, tier.Total, seen[tier.ID], "tier %s", tier.Level)
	}

	_, err := h.engine.Draw(ctx, id)
	assert.ErrorIs(t, err, domain.ErrOutOfStock)

	p, err := h.store.Products.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductStatusEnded, p.Status, "sold out product ends automatically")
	assert.Equal(t, int64(100), p.LastTicket)

	events := h.bus.events(domain.DrawChannel(id))
	require.Len(t, events, 100)
	var last domain.DrawEvent
	require.NoError(t, json.Unmarshal(events[99], &last))
	assert.Equal(t, int64(100), last.TicketNumber)
	assert.True(t, last.SoldOut)
	assert.Equal(t, int64(0), last.Remaining)

	assert.Equal(t, 100.0, h.counterValue(t, "fairdraw_draws_total", "outcome", "ok"))
	assert.Equal(t, 1.0, h.counterValue(t, "fairdraw_draws_total", "outcome", "out_of_stock"))

	report, err := h.verifier.VerifyAll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictConfirmed, report.Verdict)
	assert.True(t, report.CommitmentOK)
	assert.Equal(t, 100, report.Tickets)
	assert.Empty(t, report.Mismatches)
	assert.Empty(t, report.LedgerIssues)
}

func TestDrawRequiresCommitment(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	v := h.createProduct(t, abcTiers(), true)

	_, err := h.engine.Draw(context.Background(), v.Product.ID)
	assert.ErrorIs(t, err, domain.ErrNotCommitted)
}

func TestDrawUnknownProduct(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	_, err := h.engine.Draw(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDrawAfterOperatorEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, EngineConfig{})
	v := h.startProduct(t, abcTiers())

	_, err := h.engine.Draw(ctx, v.Product.ID)
	require.NoError(t, err)
	_, err = h.sales.End(ctx, v.Product.ID)
	require.NoError(t, err)

	_, err = h.engine.Draw(ctx, v.Product.ID)
	assert.ErrorIs(t, err, domain.ErrSaleEnded)
}

// endingStock ends the product right before the first decrement, as an
// operator End racing an in-flight draw would.
type endingStock struct {
	domain.StockRegistry
	end  func()
	once sync.Once
}

func (e *endingStock) DecrementAndRecord(ctx context.Context, rec domain.DrawRecord, expected int64) (bool, error) {
	e.once.Do(e.end)
	return e.StockRegistry.DecrementAndRecord(ctx, rec, expected)
}

func TestEndBetweenReservationAndDecrement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, EngineConfig{})
	v := h.startProduct(t, abcTiers())
	id := v.Product.ID

	stock := &endingStock{StockRegistry: h.store.Stock, end: func() {
		_, err := h.sales.End(ctx, id)
		require.NoError(t, err)
	}}
	engine := NewDrawEngine(h.store.Products, h.store.Commitments, stock, h.committer, h.bus, h.metrics,
		EngineConfig{}, discardLogger())

	_, err := engine.Draw(ctx, id)
	require.ErrorIs(t, err, domain.ErrSaleEnded)

	recs, err := h.store.Draws.ListAll(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, recs, "nothing is recorded once the product has ended")

	tiers, err := h.store.Stock.Snapshot(ctx, id)
	require.NoError(t, err)
	for _, tier := range tiers {
		assert.Equal(t, tier.Total, tier.Remaining)
	}
	assert.Empty(t, h.bus.events(domain.DrawChannel(id)))
}

func TestConcurrentDrawsOnSingleTier(t *testing.T) {
	ctx := context.Background()
	// Each failed compare-and-decrement means another draw succeeded, so 64
	// attempts always suffice for 50 units of stock.
	h := newHarness(t, EngineConfig{MaxRetries: 64})
	v := h.startProduct(t, []domain.TierSpec{{Level: "A", Name: "only", Total: 50, Weight: 1_000_000}})
	id := v.Product.ID

	const workers = 60
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		tickets []int64
		outOf   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := h.engine.Draw(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrOutOfStock)
				outOf++
				return
			}
			tickets = append(tickets, rec.TicketNumber)
		}()
	}
	wg.Wait()

	require.Len(t, tickets, 50)
	assert.Equal(t, workers-50, outOf)
	sort.Slice(tickets, func(i, j int) bool { return tickets[i] < tickets[j] })
	for i := 1; i < len(tickets); i++ {
		assert.NotEqual(t, tickets[i-1], tickets[i], "ticket numbers are unique")
	}

	tiers, err := h.store.Stock.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tiers[0].Remaining)

	recs, err := h.store.Draws.ListAll(ctx, id)
	require.NoError(t, err)
	assert.Len(t, recs, 50)

	report, err := h.verifier.VerifyAll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictConfirmed, report.Verdict)
	assert.Empty(t, report.LedgerIssues)
}

// conflictingStock never lets a compare-and-decrement succeed.
type conflictingStock struct {
	domain.StockRegistry
	mu       sync.Mutex
	attempts int
}

func (c *conflictingStock) DecrementAndRecord(context.Context, domain.DrawRecord, int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return false, nil
}

func TestDrawConflictExceeded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, EngineConfig{})
	v := h.startProduct(t, abcTiers())

	stock := &conflictingStock{StockRegistry: h.store.Stock}
	engine := NewDrawEngine(h.store.Products, h.store.Commitments, stock, h.committer, nil, h.metrics,
		EngineConfig{MaxRetries: 3}, discardLogger())

	_, err := engine.Draw(ctx, v.Product.ID)
	require.ErrorIs(t, err, domain.ErrConflictExceeded)
	assert.Equal(t, 3, stock.attempts)
	assert.Equal(t, 1.0, h.counterValue(t, "fairdraw_draws_total", "outcome", "conflict"))
	count, sum := h.histogram(t, "fairdraw_draw_attempts")
	assert.Equal(t, uint64(1), count)
	assert.Equal(t, 3.0, sum, "an exhausted draw counts every attempt")

	recs, err := h.store.Draws.ListAll(ctx, v.Product.ID)
	require.NoError(t, err)
	assert.Empty(t, recs, "no record without a successful decrement")
}

func TestDrawOutcomeIsIndependentOfRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, EngineConfig{})
	v := h.startProduct(t, abcTiers())

	rec, err := h.engine.Draw(ctx, v.Product.ID)
	require.NoError(t, err)

	// The same ticket against the same snapshot always selects the same tier.
	out := fairness.Default.Derivation(testSeed(), rec.TicketNumber)
	for i := 0; i < 10; i++ {
		assert.Equal(t, rec.TierID, fairness.Select(out.Value, rec.Snapshot))
	}
}
