package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/fairdraw/internal/domain"
)

// DrawEngine performs draws.
type DrawEngine interface {
	Draw(ctx context.Context, productID string) (domain.DrawRecord, error)
}

// DrawLister lists public draw summaries.
type DrawLister interface {
	ListDraws(ctx context.Context, id string, opts domain.ListOpts) ([]domain.DrawSummary, error)
}

// Verifier replays draws.
type Verifier interface {
	Verify(ctx context.Context, productID string, ticket int64) (domain.Verification, error)
	VerifyAll(ctx context.Context, productID string) (domain.VerificationReport, error)
}

// DrawHandler serves draw and verification endpoints.
type DrawHandler struct {
	engine   DrawEngine
	lister   DrawLister
	verifier Verifier
	logger   *slog.Logger
}

// NewDrawHandler creates a DrawHandler.
func NewDrawHandler(engine DrawEngine, lister DrawLister, verifier Verifier, logger *slog.Logger) *DrawHandler {
	return &DrawHandler{engine: engine, lister: lister, verifier: verifier, logger: logger}
}

// drawResponse is what a buyer sees for a ticket. Digest and derived value
// stay behind the verification endpoints.
type drawResponse struct {
	ProductID    string    `json:"product_id"`
	TicketNumber int64     `json:"ticket_number"`
	TierID       int64     `json:"tier_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// verifyResponse adds a float rendering of the derived value for display.
type verifyResponse struct {
	domain.Verification
	DerivedApprox float64 `json:"derived_approx"`
}

// Draw purchases one ticket.
// POST /api/products/{id}/draws
func (h *DrawHandler) Draw(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.Draw(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to draw")
		return
	}
	writeJSON(w, http.StatusCreated, drawResponse{
		ProductID:    rec.ProductID,
		TicketNumber: rec.TicketNumber,
		TierID:       rec.TierID,
		CreatedAt:    rec.CreatedAt,
	})
}

// ListDraws returns public draw summaries in ticket order.
// GET /api/products/{id}/draws?limit=50&offset=0
func (h *DrawHandler) ListDraws(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	draws, err := h.lister.ListDraws(r.Context(), pathParam(r, "id"), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to list draws")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"draws":  draws,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

// VerifyTicket replays one ticket.
// GET /api/products/{id}/draws/{ticket}/verify
func (h *DrawHandler) VerifyTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := strconv.ParseInt(pathParam(r, "ticket"), 10, 64)
	if err != nil || ticket <= 0 {
		writeError(w, http.StatusBadRequest, "ticket must be a positive integer")
		return
	}
	v, err := h.verifier.Verify(r.Context(), pathParam(r, "id"), ticket)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to verify ticket")
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Verification: v, DerivedApprox: v.DerivedValue.Float64()})
}

// VerifyProduct replays every ticket and checks the stock ledger.
// GET /api/products/{id}/verify
func (h *DrawHandler) VerifyProduct(w http.ResponseWriter, r *http.Request) {
	report, err := h.verifier.VerifyAll(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to verify product")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
