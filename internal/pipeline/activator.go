package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/fairdraw/internal/domain"
)

// Committer performs the pending to active transition of a product.
type Committer interface {
	Commit(ctx context.Context, productID string) (domain.CommitResult, error)
}

// Activator commits pending products whose scheduled start has passed.
type Activator struct {
	products  domain.ProductStore
	committer Committer
	batch     int
	now       func() time.Time
	logger    *slog.Logger
}

// NewActivator creates an Activator that activates up to batch products per
// run.
func NewActivator(products domain.ProductStore, committer Committer, batch int, logger *slog.Logger) *Activator {
	if batch <= 0 {
		batch = 100
	}
	return &Activator{
		products:  products,
		committer: committer,
		batch:     batch,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// Run activates every due product once and returns how many it activated.
// A failure on one product does not stop the others.
func (a *Activator) Run(ctx context.Context) (int, error) {
	due, err := a.products.ListDue(ctx, a.now(), a.batch)
	if err != nil {
		return 0, fmt.Errorf("activator: list due products: %w", err)
	}

	activated := 0
	var errs []error
	for _, p := range due {
		res, err := a.committer.Commit(ctx, p.ID)
		if err != nil {
			a.logger.ErrorContext(ctx, "activator: commit failed",
				slog.String("product_id", p.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		if !res.Existing {
			activated++
		}
	}
	if activated > 0 {
		a.logger.InfoContext(ctx, "activator: products activated", slog.Int("count", activated))
	}
	return activated, errors.Join(errs...)
}

// RunLoop runs the activator on a repeating interval until the context is
// cancelled.
func (a *Activator) RunLoop(ctx context.Context, interval time.Duration) error {
	// Run immediately on start.
	if _, err := a.Run(ctx); err != nil {
		a.logger.Error("activator run failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("activator loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.Error("activator run failed", slog.String("error", err.Error()))
			}
		}
	}
}
