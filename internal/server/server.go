// Package server exposes the draw service over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/fairdraw/internal/domain"
	"github.com/alanyoungcy/fairdraw/internal/metrics"
	"github.com/alanyoungcy/fairdraw/internal/server/handler"
	"github.com/alanyoungcy/fairdraw/internal/server/middleware"
	"github.com/alanyoungcy/fairdraw/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // if empty, admin authentication is disabled
	RateLimit       int    // requests per RateLimitWindow per client; 0 disables
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Products *handler.ProductHandler
	Draws    *handler.DrawHandler
	Audit    *handler.AuditHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (CORS, logging, rate limiting), protects operator
// routes with the API key and attaches the WebSocket hub. limiter, wsHub and
// m may be nil.
func NewServer(
	cfg Config,
	handlers Handlers,
	limiter domain.RateLimiter,
	wsHub *ws.Hub,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	mux := http.NewServeMux()
	admin := middleware.AdminAuth(cfg.APIKey, logger)

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Operator endpoints.
	mux.HandleFunc("POST /api/products", admin(handlers.Products.CreateProduct))
	mux.HandleFunc("POST /api/products/{id}/schedule", admin(handlers.Products.ScheduleProduct))
	mux.HandleFunc("POST /api/products/{id}/start", admin(handlers.Products.StartProduct))
	mux.HandleFunc("POST /api/products/{id}/end", admin(handlers.Products.EndProduct))
	mux.HandleFunc("GET /api/audit", admin(handlers.Audit.ListAudit))

	// Public product endpoints.
	mux.HandleFunc("GET /api/products", handlers.Products.ListProducts)
	mux.HandleFunc("GET /api/products/{id}", handlers.Products.GetProduct)
	mux.HandleFunc("GET /api/products/{id}/commitment", handlers.Products.GetCommitment)
	mux.HandleFunc("GET /api/products/{id}/reveal", handlers.Products.GetReveal)

	// Draws and verification.
	mux.HandleFunc("POST /api/products/{id}/draws", handlers.Draws.Draw)
	mux.HandleFunc("GET /api/products/{id}/draws", handlers.Draws.ListDraws)
	mux.HandleFunc("GET /api/products/{id}/draws/{ticket}/verify", handlers.Draws.VerifyTicket)
	mux.HandleFunc("GET /api/products/{id}/verify", handlers.Draws.VerifyProduct)
	mux.HandleFunc("GET /api/fairness/events", handlers.Audit.ListFairnessEvents)

	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow)(h)
	h = middleware.Logging(logger, m)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the fully wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
