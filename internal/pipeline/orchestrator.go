// Package pipeline runs the background jobs of server mode: activating
// scheduled products and exporting audit bundles of ended ones.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Orchestrator manages the background goroutines.
type Orchestrator struct {
	activator        *Activator
	archiver         *Archiver
	activateInterval time.Duration
	archiveCron      string
	logger           *slog.Logger
}

// NewOrchestrator creates an Orchestrator. archiver may be nil when no
// object storage is configured.
func NewOrchestrator(
	activator *Activator,
	archiver *Archiver,
	activateInterval time.Duration,
	archiveCron string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		activator:        activator,
		archiver:         archiver,
		activateInterval: activateInterval,
		archiveCron:      archiveCron,
		logger:           logger,
	}
}

// Run starts the jobs as concurrent goroutines using an errgroup. If any
// goroutine returns a non-context error, the errgroup cancels the shared
// context and Run returns that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Duration("activate_interval", o.activateInterval),
		slog.String("archive_cron", o.archiveCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.activator.RunLoop(ctx, o.activateInterval)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("activator: %w", err)
	})

	if o.archiver != nil && o.archiveCron != "" {
		g.Go(func() error {
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
