package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/fairdraw/internal/crypto"
	"github.com/alanyoungcy/fairdraw/internal/domain"
	"github.com/alanyoungcy/fairdraw/internal/fairness"
	"github.com/alanyoungcy/fairdraw/internal/pipeline"
	"github.com/alanyoungcy/fairdraw/internal/server"
	"github.com/alanyoungcy/fairdraw/internal/server/handler"
	"github.com/alanyoungcy/fairdraw/internal/server/ws"
	"github.com/alanyoungcy/fairdraw/internal/service"
)

// services holds the domain services shared by the modes that touch the
// live ledger.
type services struct {
	committer *service.CommitmentManager
	engine    *service.DrawEngine
	sales     *service.SaleService
	verifier  *service.Verifier
	archiver  *pipeline.Archiver // nil without object storage
}

func (a *App) component(name string) *slog.Logger {
	return a.logger.With(slog.String("component", name))
}

// buildServices constructs the commitment, draw, sale and verification
// services over deps.
func (a *App) buildServices(deps *Dependencies) (*services, error) {
	scheme, err := fairness.Lookup(a.cfg.Engine.Scheme)
	if err != nil {
		return nil, err
	}
	sealer, err := crypto.NewSealer(a.cfg.Reveal.Passphrase, a.cfg.Reveal.Salt, a.cfg.Reveal.Iterations)
	if err != nil {
		return nil, fmt.Errorf("reveal sealer: %w", err)
	}

	committer := service.NewCommitmentManager(
		deps.Products, deps.Commitments, deps.LockManager, deps.Audit, sealer, deps.Metrics,
		service.CommitmentConfig{
			Scheme:   scheme,
			LockTTL:  a.cfg.Activator.LockTTL.Duration,
			LockWait: a.cfg.Activator.LockWait.Duration,
		},
		a.component("commitment"),
	)
	engine := service.NewDrawEngine(
		deps.Products, deps.Commitments, deps.Stock, committer, deps.SignalBus, deps.Metrics,
		service.EngineConfig{MaxRetries: a.cfg.Engine.MaxRetries},
		a.component("draw_engine"),
	)
	sales := service.NewSaleService(
		deps.Products, deps.Commitments, deps.Stock, deps.Draws, deps.Audit, committer, nil,
		a.component("sale_service"),
	)
	verifier := service.NewVerifier(
		deps.Products, deps.Commitments, deps.Stock, deps.Draws, sales, deps.SignalBus, deps.Audit, deps.Metrics,
		a.component("verifier"),
	)

	svc := &services{committer: committer, engine: engine, sales: sales, verifier: verifier}
	if deps.Bundles != nil {
		svc.archiver = pipeline.NewArchiver(
			deps.Products, deps.Commitments, deps.Stock, deps.Draws, sales, deps.Bundles, deps.Audit, deps.Metrics,
			a.component("archiver"),
		)
		sales.SetExporter(svc.archiver)
	}
	return svc, nil
}

// ServerMode starts the HTTP API, the WebSocket hub, the scheduled
// activator and the periodic audit export.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	svc, err := a.buildServices(deps)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}
	if svc.archiver == nil {
		a.logger.WarnContext(ctx, "s3 is disabled; ended products will not be exported")
	}

	g, ctx := errgroup.WithContext(ctx)

	activator := pipeline.NewActivator(deps.Products, svc.committer, a.cfg.Activator.BatchSize, a.component("activator"))
	orch := pipeline.NewOrchestrator(activator, svc.archiver,
		a.cfg.Activator.Interval.Duration, a.cfg.Archive.Schedule, a.component("pipeline"))
	g.Go(func() error {
		return orch.Run(ctx)
	})

	hub := ws.NewHub(deps.SignalBus, originChecker(a.cfg.Server.CORSOrigins), a.component("ws"))
	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("ws hub: %w", err)
		}
		return nil
	})

	srv := a.httpServer(deps, svc, hub)
	if a.cfg.Server.APIKey == "" {
		a.logger.WarnContext(ctx, "server.api_key is empty; operator endpoints are unauthenticated")
	}

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

// httpServer assembles the API over svc with the hub mounted at /ws.
func (a *App) httpServer(deps *Dependencies, svc *services, hub *ws.Hub) *server.Server {
	return server.NewServer(
		server.Config{
			Port:            a.cfg.Server.Port,
			CORSOrigins:     a.cfg.Server.CORSOrigins,
			APIKey:          a.cfg.Server.APIKey,
			RateLimit:       a.cfg.Server.RateLimit,
			RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
		},
		server.Handlers{
			Health:   handler.NewHealthHandler(a.cfg.Mode, deps.HealthChecks, a.component("health")),
			Products: handler.NewProductHandler(svc.sales, a.component("handler")),
			Draws:    handler.NewDrawHandler(svc.engine, svc.sales, svc.verifier, a.component("handler")),
			Audit:    handler.NewAuditHandler(svc.sales, svc.verifier, a.component("handler")),
		},
		deps.RateLimiter,
		hub,
		deps.Metrics,
		a.component("server"),
	)
}

// VerifyMode checks the published bundle of one product against its
// commitment and signature, writes the report, and fails on any mismatch.
func (a *App) VerifyMode(ctx context.Context, deps *Dependencies) error {
	productID := strings.TrimSpace(a.opts.ProductID)
	if productID == "" {
		return errors.New("verify mode: -product is required")
	}
	if deps.Bundles == nil {
		return errors.New("verify mode: s3 is not configured")
	}

	offline := service.NewOfflineVerifier(deps.Bundles, a.cfg.Signer.ExpectedAddress, deps.Metrics, a.component("offline"))
	report, err := offline.VerifyBundle(ctx, productID)
	if err != nil {
		return fmt.Errorf("verify mode: %w", err)
	}

	enc := json.NewEncoder(a.opts.Report)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("verify mode: write report: %w", err)
	}

	a.logger.InfoContext(ctx, "verify mode: bundle checked",
		slog.String("product_id", productID),
		slog.String("verdict", string(report.Verdict)),
		slog.Int("tickets", report.Tickets),
	)
	if report.Verdict != domain.VerdictConfirmed {
		return fmt.Errorf("verify mode: product %s: %d mismatched draws, %d ledger issues: %w",
			productID, len(report.Mismatches), len(report.LedgerIssues), domain.ErrFairnessViolation)
	}
	return nil
}

// ArchiveMode exports every ended product that has no bundle yet, then exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	svc, err := a.buildServices(deps)
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	if svc.archiver == nil {
		return errors.New("archive mode: s3 is not configured")
	}

	n, err := svc.archiver.Run(ctx)
	a.logger.InfoContext(ctx, "archive mode: finished", slog.Int("exported", n))
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	return nil
}

// originChecker restricts WebSocket upgrades to the configured CORS
// origins. A wildcard or empty list accepts every origin.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}
