package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/fairdraw/internal/domain"
)

// AuditLog lists audit entries.
type AuditLog interface {
	AuditLog(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// FairnessEvents reads the fairness stream.
type FairnessEvents interface {
	Events(ctx context.Context, lastID string, count int) ([]domain.StreamMessage, error)
}

// AuditHandler serves the audit log and fairness event endpoints.
type AuditHandler struct {
	audit  AuditLog
	events FairnessEvents
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit AuditLog, events FairnessEvents, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, events: events, logger: logger}
}

// ListAudit returns recent audit entries, newest first.
// GET /api/audit?limit=50&offset=0
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	entries, err := h.audit.AuditLog(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to list audit log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}

type fairnessEvent struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// ListFairnessEvents returns verifier mismatches recorded after ?after=.
// GET /api/fairness/events?after=<stream id>&limit=100
func (h *AuditHandler) ListFairnessEvents(w http.ResponseWriter, r *http.Request) {
	count := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			count = n
		}
	}
	msgs, err := h.events.Events(r.Context(), r.URL.Query().Get("after"), count)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to read fairness events")
		return
	}
	out := make([]fairnessEvent, 0, len(msgs))
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		out = append(out, fairnessEvent{ID: m.ID, Event: m.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
