package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fairdraw/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/fair?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "fair"}))
	assert.Equal(t, "postgres://u:p@db:6543/fair?sslmode=require",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Port: 6543, Database: "fair", SSLMode: "require"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestPageArgs(t *testing.T) {
	l, o := pageArgs(domain.ListOpts{})
	assert.Equal(t, 100, l)
	assert.Equal(t, 0, o)
	l, o = pageArgs(domain.ListOpts{Limit: 5, Offset: -3})
	assert.Equal(t, 5, l)
	assert.Equal(t, 0, o)
	l, _ = pageArgs(domain.ListOpts{Limit: 5000})
	assert.Equal(t, 100, l)
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])

	data, err := migrationsFS.ReadFile("migrations/001_init.sql")
	require.NoError(t, err)
	for _, table := range []string{"products", "prize_tiers", "commitments", "reveals", "draw_records", "audit_log"} {
		assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS "+table)
	}
}

// testClient connects to FAIRDRAW_TEST_DATABASE_URL or skips.
func testClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("FAIRDRAW_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FAIRDRAW_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	return c
}

func TestIntegrationDrawLifecycle(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	s := c.Stores()

	start := time.Now().Add(-time.Second)
	p, tiers, err := domain.NewProduct("pg box", &start, []domain.TierSpec{{Level: "A", Total: 5, Weight: 1_000_000}})
	require.NoError(t, err)
	tiers, err = s.Products.Create(ctx, p, tiers)
	require.NoError(t, err)
	require.NotZero(t, tiers[0].ID)

	_, err = s.Products.ReserveTicket(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrSaleEnded)

	now := time.Now().UTC()
	active, err := s.Commitments.Activate(ctx,
		domain.Commitment{ProductID: p.ID, Hash: "abc", Scheme: "sha256-u64be-p8", CommittedAt: now},
		domain.Reveal{ProductID: p.ID, SealedSeed: []byte{1, 2, 3}, CreatedAt: now}, now)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductStatusActive, active.Status)

	_, err = s.Commitments.Activate(ctx,
		domain.Commitment{ProductID: p.ID, Hash: "def", Scheme: "x", CommittedAt: now},
		domain.Reveal{ProductID: p.ID, SealedSeed: []byte{9}, CreatedAt: now}, now)
	assert.ErrorIs(t, err, domain.ErrAlreadyCommitted)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ticket, err := s.Products.ReserveTicket(ctx, p.ID)
				if !assert.NoError(t, err) {
					return
				}
				snap, err := s.Stock.Snapshot(ctx, p.ID)
				if !assert.NoError(t, err) {
					return
				}
				rec := domain.DrawRecord{
					ProductID: p.ID, TicketNumber: ticket, Nonce: ticket, TierID: snap[0].ID,
					Digest: "d", DerivedValue: domain.Fraction{Num: 1, Bits: 64},
					Snapshot: domain.States(snap), CreatedAt: time.Now().UTC(),
				}
				ok, err := s.Stock.DecrementAndRecord(ctx, rec, snap[0].Remaining)
				if !assert.NoError(t, err) || ok {
					return
				}
			}
		}()
	}
	wg.Wait()

	snap, err := s.Stock.Snapshot(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, snap[0].Remaining)
	recs, err := s.Draws.ListAll(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 5)
	counts, err := s.Draws.CountByTier(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, counts[snap[0].ID])

	_, err = s.Products.End(ctx, p.ID, time.Now())
	require.NoError(t, err)
	late := domain.DrawRecord{ProductID: p.ID, TicketNumber: 99, Nonce: 99, TierID: snap[0].ID,
		Digest: "d", DerivedValue: domain.Fraction{Num: 1, Bits: 64}, Snapshot: domain.States(snap), CreatedAt: time.Now().UTC()}
	_, err = s.Stock.DecrementAndRecord(ctx, late, 1)
	assert.ErrorIs(t, err, domain.ErrSaleEnded, "ended products accept no records")
}
