// Package service implements the draw lifecycle: committing a seed when a
// sale starts, drawing tickets against the stock registry, replaying draws
// for verification and the product operations around them.
package service

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/fairdraw/internal/domain"
)

// logAudit writes an audit entry when an audit store is configured. Audit
// failures are logged and never fail the caller.
func logAudit(ctx context.Context, audit domain.AuditStore, logger *slog.Logger, event string, detail map[string]any) {
	if audit == nil {
		return
	}
	if err := audit.Log(ctx, event, detail); err != nil {
		logger.WarnContext(ctx, "service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
