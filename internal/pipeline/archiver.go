package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/fairdraw/internal/domain"
	"github.com/alanyoungcy/fairdraw/internal/metrics"
)

// BundlePublisher stores audit bundles in object storage.
type BundlePublisher interface {
	Publish(ctx context.Context, b domain.AuditBundle) (domain.AuditManifest, error)
	Published(ctx context.Context) (map[string]bool, error)
}

// SeedRevealer returns the seed of an ended product.
type SeedRevealer interface {
	RevealSeed(ctx context.Context, productID string) ([]byte, error)
}

// Archiver exports the audit bundles of ended products.
type Archiver struct {
	products    domain.ProductStore
	commitments domain.CommitmentStore
	stock       domain.StockRegistry
	draws       domain.DrawStore
	seeds       SeedRevealer
	publisher   BundlePublisher
	audit       domain.AuditStore
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

var _ domain.AuditExporter = (*Archiver)(nil)

// NewArchiver creates an Archiver. audit and m may be nil.
func NewArchiver(
	products domain.ProductStore,
	commitments domain.CommitmentStore,
	stock domain.StockRegistry,
	draws domain.DrawStore,
	seeds SeedRevealer,
	publisher BundlePublisher,
	audit domain.AuditStore,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		products:    products,
		commitments: commitments,
		stock:       stock,
		draws:       draws,
		seeds:       seeds,
		publisher:   publisher,
		audit:       audit,
		metrics:     m,
		logger:      logger,
	}
}

// Export builds and publishes the bundle of an ended product.
func (a *Archiver) Export(ctx context.Context, productID string) (domain.AuditManifest, error) {
	m, err := a.export(ctx, productID)
	if err != nil {
		a.metrics.Export("error")
		return domain.AuditManifest{}, err
	}
	a.metrics.Export("ok")
	a.logger.InfoContext(ctx, "archiver: bundle published",
		slog.String("product_id", productID),
		slog.Int("draws", m.DrawCount),
		slog.String("draws_sha256", m.DrawsSHA256),
		slog.String("signer", m.Signer),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "audit_exported", map[string]any{
			"product_id":   productID,
			"draw_count":   m.DrawCount,
			"draws_sha256": m.DrawsSHA256,
			"signer":       m.Signer,
		}); err != nil {
			a.logger.WarnContext(ctx, "archiver: audit log failed", slog.String("error", err.Error()))
		}
	}
	return m, nil
}

func (a *Archiver) export(ctx context.Context, productID string) (domain.AuditManifest, error) {
	p, err := a.products.GetByID(ctx, productID)
	if err != nil {
		return domain.AuditManifest{}, fmt.Errorf("archiver: get product %s: %w", productID, err)
	}
	if p.Status != domain.ProductStatusEnded {
		return domain.AuditManifest{}, fmt.Errorf("archiver: product %s is %s: %w", productID, p.Status, domain.ErrInvalidState)
	}
	c, err := a.commitments.GetCommitment(ctx, productID)
	if err != nil {
		return domain.AuditManifest{}, fmt.Errorf("archiver: get commitment %s: %w", productID, err)
	}
	seed, err := a.seeds.RevealSeed(ctx, productID)
	if err != nil {
		return domain.AuditManifest{}, fmt.Errorf("archiver: seed %s: %w", productID, err)
	}
	// Two separate reads are consistent because the stores refuse to record a
	// draw once the product has ended, so neither changes after the check above.
	tiers, err := a.stock.Snapshot(ctx, productID)
	if err != nil {
		return domain.AuditManifest{}, fmt.Errorf("archiver: tiers %s: %w", productID, err)
	}
	draws, err := a.draws.ListAll(ctx, productID)
	if err != nil {
		return domain.AuditManifest{}, fmt.Errorf("archiver: draws %s: %w", productID, err)
	}

	return a.publisher.Publish(ctx, domain.AuditBundle{
		Manifest: domain.AuditManifest{
			Product:    p,
			Commitment: c,
			Seed:       hex.EncodeToString(seed),
			Tiers:      tiers,
			ExportedAt: time.Now().UTC(),
		},
		Draws: draws,
	})
}

// Run exports every ended product that has no published bundle yet and
// returns how many bundles it published.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	const pageSize = 200
	published, err := a.publisher.Published(ctx)
	if err != nil {
		return 0, fmt.Errorf("archiver: list published bundles: %w", err)
	}
	exported := 0
	var errs []error
	for offset := 0; ; offset += pageSize {
		ended, err := a.products.ListByStatus(ctx, domain.ProductStatusEnded, domain.ListOpts{Limit: pageSize, Offset: offset})
		if err != nil {
			return exported, fmt.Errorf("archiver: list ended products: %w", err)
		}
		for _, p := range ended {
			if published[p.ID] {
				continue
			}
			if _, err := a.Export(ctx, p.ID); err != nil {
				a.logger.ErrorContext(ctx, "archiver: export failed",
					slog.String("product_id", p.ID),
					slog.String("error", err.Error()),
				)
				errs = append(errs, err)
				continue
			}
			exported++
		}
		if len(ended) < pageSize {
			break
		}
	}
	a.logger.InfoContext(ctx, "archiver: run complete", slog.Int("exported", exported))
	return exported, errors.Join(errs...)
}

// RunCron runs the archiver on a standard 5-field cron schedule until the
// context is cancelled.
//
// Example: "*/15 * * * *" runs every fifteen minutes.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
	}
	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(sched, cron.FuncJob(func() {
		if _, err := a.Run(ctx); err != nil {
			a.logger.Error("archive run failed", slog.String("error", err.Error()))
		}
	}))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	a.logger.Info("archiver cron stopped")
	return ctx.Err()
}
