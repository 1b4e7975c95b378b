package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/fairdraw/internal/domain"
	"github.com/alanyoungcy/fairdraw/internal/fairness"
	"github.com/alanyoungcy/fairdraw/internal/metrics"
)

// EngineConfig holds the draw engine parameters.
type EngineConfig struct {
	// MaxRetries bounds the snapshot, select and compare-and-decrement loop.
	MaxRetries int
}

// DrawEngine performs individual draws.
type DrawEngine struct {
	products    domain.ProductStore
	commitments domain.CommitmentStore
	stock       domain.StockRegistry
	seeds       SeedSource
	bus         domain.SignalBus
	metrics     *metrics.Metrics
	cfg         EngineConfig
	now         func() time.Time
	logger      *slog.Logger

	keys sync.Map // product id -> drawKey
}

type drawKey struct {
	seed   []byte
	scheme fairness.Scheme
}

// NewDrawEngine creates a DrawEngine. bus and m may be nil.
func NewDrawEngine(
	products domain.ProductStore,
	commitments domain.CommitmentStore,
	stock domain.StockRegistry,
	seeds SeedSource,
	bus domain.SignalBus,
	m *metrics.Metrics,
	cfg EngineConfig,
	logger *slog.Logger,
) *DrawEngine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 8
	}
	return &DrawEngine{
		products:    products,
		commitments: commitments,
		stock:       stock,
		seeds:       seeds,
		bus:         bus,
		metrics:     m,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

// Draw reserves the next ticket of an active product, derives its value
// from the committed seed and assigns it a tier. The record is persisted in
// the same transaction as the stock decrement.
func (e *DrawEngine) Draw(ctx context.Context, productID string) (domain.DrawRecord, error) {
	rec, attempts, err := e.draw(ctx, productID)
	e.metrics.Draw(drawOutcome(err), attempts)
	return rec, err
}

func (e *DrawEngine) draw(ctx context.Context, productID string) (domain.DrawRecord, int, error) {
	p, err := e.products.GetByID(ctx, productID)
	if err != nil {
		return domain.DrawRecord{}, 0, fmt.Errorf("draw_engine: get product %s: %w", productID, err)
	}
	if p.Status == domain.ProductStatusPending {
		return domain.DrawRecord{}, 0, fmt.Errorf("draw_engine: product %s: %w", productID, domain.ErrNotCommitted)
	}
	if err := e.checkOpen(ctx, p); err != nil {
		return domain.DrawRecord{}, 0, err
	}

	ticket, err := e.products.ReserveTicket(ctx, productID)
	if err != nil {
		if errors.Is(err, domain.ErrSaleEnded) {
			// Ended between the status read and the reservation.
			p.Status = domain.ProductStatusEnded
			if cerr := e.checkOpen(ctx, p); cerr != nil {
				return domain.DrawRecord{}, 0, cerr
			}
		}
		return domain.DrawRecord{}, 0, fmt.Errorf("draw_engine: reserve ticket %s: %w", productID, err)
	}

	key, err := e.key(ctx, productID)
	if err != nil {
		return domain.DrawRecord{}, 0, err
	}
	out := key.scheme.Derivation(key.seed, ticket)

	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		tiers, err := e.stock.Snapshot(ctx, productID)
		if err != nil {
			return domain.DrawRecord{}, attempt, fmt.Errorf("draw_engine: snapshot %s: %w", productID, err)
		}
		states := domain.States(tiers)
		if !fairness.HasStock(states) {
			// Reserved ticket is skipped; ticket numbers are gap tolerant.
			return domain.DrawRecord{}, attempt, fmt.Errorf("draw_engine: product %s ticket %d: %w", productID, ticket, domain.ErrOutOfStock)
		}

		tierID := fairness.Select(out.Value, states)
		rec := domain.DrawRecord{
			ProductID:    productID,
			TicketNumber: ticket,
			Nonce:        ticket,
			TierID:       tierID,
			Digest:       out.Digest,
			DerivedValue: out.Value,
			Snapshot:     states,
			CreatedAt:    e.now(),
		}
		expected, _ := rec.ExpectedRemaining()

		ok, err := e.stock.DecrementAndRecord(ctx, rec, expected)
		if errors.Is(err, domain.ErrSaleEnded) {
			// Ended after the reservation; the ticket is never recorded.
			p.Status = domain.ProductStatusEnded
			if cerr := e.checkOpen(ctx, p); cerr != nil {
				return domain.DrawRecord{}, attempt, cerr
			}
		}
		if err != nil {
			return domain.DrawRecord{}, attempt, fmt.Errorf("draw_engine: record ticket %d: %w", ticket, err)
		}
		if !ok {
			e.logger.DebugContext(ctx, "draw_engine: stock moved, retrying",
				slog.String("product_id", productID),
				slog.Int64("ticket", ticket),
				slog.Int64("tier_id", tierID),
				slog.Int("attempt", attempt),
			)
			continue
		}

		soldOut := false
		if expected == 1 {
			soldOut = e.endIfSoldOut(ctx, productID)
		}
		e.publish(ctx, rec, expected-1, soldOut)
		e.logger.DebugContext(ctx, "draw_engine: draw committed",
			slog.String("product_id", productID),
			slog.Int64("ticket", ticket),
			slog.Int64("tier_id", tierID),
			slog.Int("attempts", attempt),
		)
		return rec, attempt, nil
	}

	e.logger.WarnContext(ctx, "draw_engine: retries exhausted",
		slog.String("product_id", productID),
		slog.Int64("ticket", ticket),
		slog.Int("max_retries", e.cfg.MaxRetries),
	)
	return domain.DrawRecord{}, e.cfg.MaxRetries, fmt.Errorf("draw_engine: product %s ticket %d: %w", productID, ticket, domain.ErrConflictExceeded)
}

// checkOpen returns ErrOutOfStock when every tier is empty, ErrSaleEnded
// when an ended product still has stock, and nil for an active product
// with stock.
func (e *DrawEngine) checkOpen(ctx context.Context, p domain.Product) error {
	tiers, err := e.stock.Snapshot(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("draw_engine: snapshot %s: %w", p.ID, err)
	}
	if !fairness.HasStock(domain.States(tiers)) {
		return fmt.Errorf("draw_engine: product %s: %w", p.ID, domain.ErrOutOfStock)
	}
	if p.Status == domain.ProductStatusEnded {
		return fmt.Errorf("draw_engine: product %s: %w", p.ID, domain.ErrSaleEnded)
	}
	return nil
}

func (e *DrawEngine) key(ctx context.Context, productID string) (drawKey, error) {
	if v, ok := e.keys.Load(productID); ok {
		return v.(drawKey), nil
	}
	c, err := e.commitments.GetCommitment(ctx, productID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return drawKey{}, fmt.Errorf("draw_engine: product %s: %w", productID, domain.ErrNotCommitted)
		}
		return drawKey{}, fmt.Errorf("draw_engine: get commitment %s: %w", productID, err)
	}
	scheme, err := fairness.Lookup(c.Scheme)
	if err != nil {
		return drawKey{}, fmt.Errorf("draw_engine: %w", err)
	}
	seed, err := e.seeds.RevealSeed(ctx, productID)
	if err != nil {
		return drawKey{}, fmt.Errorf("draw_engine: seed %s: %w", productID, err)
	}
	k := drawKey{seed: seed, scheme: scheme}
	e.keys.Store(productID, k)
	return k, nil
}

// endIfSoldOut ends the product once every tier is empty. Only a draw that
// empties a tier can empty the product, so callers skip it otherwise.
func (e *DrawEngine) endIfSoldOut(ctx context.Context, productID string) bool {
	tiers, err := e.stock.Snapshot(ctx, productID)
	if err != nil {
		e.logger.WarnContext(ctx, "draw_engine: post-draw snapshot failed",
			slog.String("product_id", productID),
			slog.String("error", err.Error()),
		)
		return false
	}
	if fairness.HasStock(domain.States(tiers)) {
		return false
	}
	if _, err := e.products.End(ctx, productID, e.now()); err != nil && !errors.Is(err, domain.ErrInvalidState) {
		e.logger.ErrorContext(ctx, "draw_engine: end sold out product failed",
			slog.String("product_id", productID),
			slog.String("error", err.Error()),
		)
		return true
	}
	e.keys.Delete(productID)
	e.logger.InfoContext(ctx, "draw_engine: product sold out", slog.String("product_id", productID))
	return true
}

func (e *DrawEngine) publish(ctx context.Context, rec domain.DrawRecord, remaining int64, soldOut bool) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.DrawEvent{
		Type:         "draw",
		ProductID:    rec.ProductID,
		TicketNumber: rec.TicketNumber,
		TierID:       rec.TierID,
		Remaining:    remaining,
		SoldOut:      soldOut,
		CreatedAt:    rec.CreatedAt,
	})
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, domain.DrawChannel(rec.ProductID), payload); err != nil {
		e.logger.WarnContext(ctx, "draw_engine: publish draw event failed",
			slog.String("product_id", rec.ProductID),
			slog.Int64("ticket", rec.TicketNumber),
			slog.String("error", err.Error()),
		)
	}
}

func drawOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, domain.ErrSaleEnded):
		return "sale_ended"
	case errors.Is(err, domain.ErrNotCommitted):
		return "not_committed"
	case errors.Is(err, domain.ErrConflictExceeded):
		return "conflict"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
