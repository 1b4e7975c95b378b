package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/fairdraw/internal/domain"
)

// ProductView is a product together with its tiers.
type ProductView struct {
	Product domain.Product     `json:"product"`
	Tiers   []domain.PrizeTier `json:"tiers"`
}

// SeedReveal is the public reveal of an ended product.
type SeedReveal struct {
	ProductID      string `json:"product_id"`
	Seed           string `json:"seed"`
	Scheme         string `json:"scheme"`
	CommitmentHash string `json:"commitment_hash"`
}

// SaleService manages the product lifecycle around the draw engine.
type SaleService struct {
	products    domain.ProductStore
	commitments domain.CommitmentStore
	stock       domain.StockRegistry
	draws       domain.DrawStore
	audit       domain.AuditStore
	committer   *CommitmentManager
	exporter    domain.AuditExporter
	now         func() time.Time
	logger      *slog.Logger
}

// NewSaleService creates a SaleService. exporter may be nil, in which case
// ending a product does not publish an audit bundle.
func NewSaleService(
	products domain.ProductStore,
	commitments domain.CommitmentStore,
	stock domain.StockRegistry,
	draws domain.DrawStore,
	audit domain.AuditStore,
	committer *CommitmentManager,
	exporter domain.AuditExporter,
	logger *slog.Logger,
) *SaleService {
	return &SaleService{
		products:    products,
		commitments: commitments,
		stock:       stock,
		draws:       draws,
		audit:       audit,
		committer:   committer,
		exporter:    exporter,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

// SetExporter wires the exporter after construction; the exporter itself
// depends on the sale service for seed reveals.
func (s *SaleService) SetExporter(exporter domain.AuditExporter) {
	s.exporter = exporter
}

// Create validates and stores a new pending product.
func (s *SaleService) Create(ctx context.Context, name string, startAt *time.Time, specs []domain.TierSpec) (ProductView, error) {
	p, tiers, err := domain.NewProduct(name, startAt, specs)
	if err != nil {
		return ProductView{}, err
	}
	stored, err := s.products.Create(ctx, p, tiers)
	if err != nil {
		return ProductView{}, fmt.Errorf("sale_service: create product: %w", err)
	}
	s.logger.InfoContext(ctx, "sale_service: product created",
		slog.String("product_id", p.ID),
		slog.String("name", p.Name),
		slog.Int("tiers", len(stored)),
		slog.Int64("tickets", domain.TotalTickets(stored)),
	)
	logAudit(ctx, s.audit, s.logger, "product_created", map[string]any{
		"product_id": p.ID,
		"name":       p.Name,
		"tickets":    domain.TotalTickets(stored),
	})
	return ProductView{Product: p, Tiers: stored}, nil
}

// Get returns a product together with its current tiers.
func (s *SaleService) Get(ctx context.Context, id string) (ProductView, error) {
	p, err := s.products.GetByID(ctx, id)
	if err != nil {
		return ProductView{}, fmt.Errorf("sale_service: get product %s: %w", id, err)
	}
	tiers, err := s.stock.Snapshot(ctx, id)
	if err != nil {
		return ProductView{}, fmt.Errorf("sale_service: tiers %s: %w", id, err)
	}
	return ProductView{Product: p, Tiers: tiers}, nil
}

// List returns products, filtered by status when one is given.
func (s *SaleService) List(ctx context.Context, status domain.ProductStatus, opts domain.ListOpts) ([]domain.Product, error) {
	var (
		out []domain.Product
		err error
	)
	if status == "" {
		out, err = s.products.List(ctx, opts)
	} else {
		out, err = s.products.ListByStatus(ctx, status, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("sale_service: list products: %w", err)
	}
	return out, nil
}

// Schedule sets the start time of a pending product.
func (s *SaleService) Schedule(ctx context.Context, id string, startAt time.Time) (domain.Product, error) {
	if startAt.IsZero() {
		return domain.Product{}, fmt.Errorf("sale_service: start time is required: %w", domain.ErrInvalidInput)
	}
	p, err := s.products.Schedule(ctx, id, startAt.UTC())
	if err != nil {
		return domain.Product{}, fmt.Errorf("sale_service: schedule %s: %w", id, err)
	}
	logAudit(ctx, s.audit, s.logger, "product_scheduled", map[string]any{
		"product_id": id,
		"start_at":   startAt.UTC(),
	})
	return p, nil
}

// Start activates a product immediately, scheduling it for now if it has no
// start time yet.
func (s *SaleService) Start(ctx context.Context, id string) (domain.CommitResult, error) {
	p, err := s.products.GetByID(ctx, id)
	if err != nil {
		return domain.CommitResult{}, fmt.Errorf("sale_service: get product %s: %w", id, err)
	}
	if p.StartAt == nil && p.Status == domain.ProductStatusPending {
		if _, err := s.products.Schedule(ctx, id, s.now()); err != nil {
			return domain.CommitResult{}, fmt.Errorf("sale_service: schedule %s: %w", id, err)
		}
	}
	return s.committer.Commit(ctx, id)
}

// End closes an active product and publishes its audit bundle. Export
// failures are logged; the bundle is retried by the archive schedule.
func (s *SaleService) End(ctx context.Context, id string) (domain.Product, error) {
	p, err := s.products.End(ctx, id, s.now())
	if err != nil {
		return domain.Product{}, fmt.Errorf("sale_service: end %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "sale_service: product ended",
		slog.String("product_id", id),
		slog.Int64("last_ticket", p.LastTicket),
	)
	logAudit(ctx, s.audit, s.logger, "product_ended", map[string]any{
		"product_id":  id,
		"last_ticket": p.LastTicket,
	})
	if s.exporter != nil {
		if _, err := s.exporter.Export(ctx, id); err != nil {
			s.logger.ErrorContext(ctx, "sale_service: audit export failed",
				slog.String("product_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return p, nil
}

// Commitment returns the public commitment of a committed product.
func (s *SaleService) Commitment(ctx context.Context, id string) (domain.Commitment, error) {
	if _, err := s.products.GetByID(ctx, id); err != nil {
		return domain.Commitment{}, fmt.Errorf("sale_service: get product %s: %w", id, err)
	}
	c, err := s.commitments.GetCommitment(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Commitment{}, fmt.Errorf("sale_service: product %s: %w", id, domain.ErrNotCommitted)
	}
	if err != nil {
		return domain.Commitment{}, fmt.Errorf("sale_service: get commitment %s: %w", id, err)
	}
	return c, nil
}

// RevealSeed returns the plaintext seed once the product has ended.
func (s *SaleService) RevealSeed(ctx context.Context, id string) ([]byte, error) {
	p, err := s.products.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("sale_service: get product %s: %w", id, err)
	}
	if p.Status != domain.ProductStatusEnded {
		return nil, fmt.Errorf("sale_service: product %s is %s: %w", id, p.Status, domain.ErrNotRevealed)
	}
	return s.committer.RevealSeed(ctx, id)
}

// Reveal is the public view of RevealSeed.
func (s *SaleService) Reveal(ctx context.Context, id string) (SeedReveal, error) {
	seed, err := s.RevealSeed(ctx, id)
	if err != nil {
		return SeedReveal{}, err
	}
	c, err := s.Commitment(ctx, id)
	if err != nil {
		return SeedReveal{}, err
	}
	return SeedReveal{
		ProductID:      id,
		Seed:           hex.EncodeToString(seed),
		Scheme:         c.Scheme,
		CommitmentHash: c.Hash,
	}, nil
}

// ListDraws returns the public summaries of a product's draws.
func (s *SaleService) ListDraws(ctx context.Context, id string, opts domain.ListOpts) ([]domain.DrawSummary, error) {
	if _, err := s.products.GetByID(ctx, id); err != nil {
		return nil, fmt.Errorf("sale_service: get product %s: %w", id, err)
	}
	recs, err := s.draws.List(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("sale_service: list draws %s: %w", id, err)
	}
	out := make([]domain.DrawSummary, len(recs))
	for i, r := range recs {
		out[i] = r.Summary()
	}
	return out, nil
}

// AuditLog returns recent audit entries.
func (s *SaleService) AuditLog(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if s.audit == nil {
		return []domain.AuditEntry{}, nil
	}
	out, err := s.audit.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("sale_service: list audit log: %w", err)
	}
	return out, nil
}
