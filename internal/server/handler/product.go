package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/fairdraw/internal/domain"
	"github.com/alanyoungcy/fairdraw/internal/service"
)

// SaleService defines the methods that the product handler requires from
// the service layer. It is declared locally so the handler package does not
// depend on the concrete service implementation.
type SaleService interface {
	Create(ctx context.Context, name string, startAt *time.Time, specs []domain.TierSpec) (service.ProductView, error)
	Get(ctx context.Context, id string) (service.ProductView, error)
	List(ctx context.Context, status domain.ProductStatus, opts domain.ListOpts) ([]domain.Product, error)
	Schedule(ctx context.Context, id string, startAt time.Time) (domain.Product, error)
	Start(ctx context.Context, id string) (domain.CommitResult, error)
	End(ctx context.Context, id string) (domain.Product, error)
	Commitment(ctx context.Context, id string) (domain.Commitment, error)
	Reveal(ctx context.Context, id string) (service.SeedReveal, error)
}

// ProductHandler serves product lifecycle endpoints.
type ProductHandler struct {
	sales  SaleService
	logger *slog.Logger
}

// NewProductHandler creates a ProductHandler.
func NewProductHandler(sales SaleService, logger *slog.Logger) *ProductHandler {
	return &ProductHandler{sales: sales, logger: logger}
}

type createProductRequest struct {
	Name    string            `json:"name"`
	StartAt *time.Time        `json:"start_at,omitempty"`
	Tiers   []domain.TierSpec `json:"tiers"`
}

type scheduleRequest struct {
	StartAt time.Time `json:"start_at"`
}

// startResponse never carries the seed.
type startResponse struct {
	Commitment domain.Commitment `json:"commitment"`
	Existing   bool              `json:"existing"`
}

// CreateProduct creates a pending product with its tiers.
// POST /api/products
func (h *ProductHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	v, err := h.sales.Create(r.Context(), req.Name, req.StartAt, req.Tiers)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to create product")
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// ListProducts lists products, optionally filtered by ?status=.
// GET /api/products
func (h *ProductHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	status := domain.ProductStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.ProductStatusPending, domain.ProductStatusActive, domain.ProductStatusEnded:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}
	opts := parseListOpts(r)
	products, err := h.sales.List(r.Context(), status, opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to list products")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"products": products,
		"limit":    opts.Limit,
		"offset":   opts.Offset,
	})
}

// GetProduct returns a product and its tiers.
// GET /api/products/{id}
func (h *ProductHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	v, err := h.sales.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to get product")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ScheduleProduct sets the start time of a pending product.
// POST /api/products/{id}/schedule
func (h *ProductHandler) ScheduleProduct(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	p, err := h.sales.Schedule(r.Context(), pathParam(r, "id"), req.StartAt)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to schedule product")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// StartProduct commits the seed and activates the product now.
// POST /api/products/{id}/start
func (h *ProductHandler) StartProduct(w http.ResponseWriter, r *http.Request) {
	res, err := h.sales.Start(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to start product")
		return
	}
	code := http.StatusCreated
	if res.Existing {
		code = http.StatusOK
	}
	writeJSON(w, code, startResponse{Commitment: res.Commitment, Existing: res.Existing})
}

// EndProduct closes the sale.
// POST /api/products/{id}/end
func (h *ProductHandler) EndProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.sales.End(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to end product")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetCommitment returns the public commitment.
// GET /api/products/{id}/commitment
func (h *ProductHandler) GetCommitment(w http.ResponseWriter, r *http.Request) {
	c, err := h.sales.Commitment(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to get commitment")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetReveal returns the seed of an ended product.
// GET /api/products/{id}/reveal
func (h *ProductHandler) GetReveal(w http.ResponseWriter, r *http.Request) {
	rev, err := h.sales.Reveal(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to reveal seed")
		return
	}
	writeJSON(w, http.StatusOK, rev)
}
