// Package server exposes the ledger over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/infusion/internal/cache/local"
	"github.com/alanyoungcy/infusion/internal/domain"
	"github.com/alanyoungcy/infusion/internal/server/handler"
	"github.com/alanyoungcy/infusion/internal/server/middleware"
	"github.com/alanyoungcy/infusion/internal/server/ws"
)

// Config holds the HTTP server settings.
type Config struct {
	Port              int
	CORSOrigins       []string
	APIKey            string // empty disables the key check
	RequireSignatures bool
	SignatureMaxAge   time.Duration
	// Replay dedupes signed requests; nil uses an in-process guard.
	Replay domain.ReplayGuard
	// RateLimit requests per RateWindow per client IP; 0 disables.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers groups the endpoint handlers. Assets, Snapshots and Audit may be
// nil when their backends are disabled.
type Handlers struct {
	Health    *handler.HealthHandler
	Positions *handler.PositionHandler
	Vaults    *handler.VaultHandler
	Events    *handler.EventHandler
	Assets    *handler.AssetHandler
	Snapshots *handler.SnapshotHandler
	Audit     *handler.AuditHandler
}

// Server is the ledger API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and builds the middleware chain. limiter is
// required only when cfg.RateLimit > 0.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      Routes(cfg, h, hub, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Routes returns the fully wrapped handler tree.
func Routes(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	mux.HandleFunc("POST /api/positions", h.Positions.Mint)
	mux.HandleFunc("GET /api/positions", h.Positions.List)
	mux.HandleFunc("GET /api/positions/{id}", h.Positions.Get)
	mux.HandleFunc("POST /api/positions/{id}/stake", h.Positions.Stake)
	mux.HandleFunc("POST /api/positions/{id}/burn", h.Positions.Burn)
	mux.HandleFunc("POST /api/positions/{id}/transfer", h.Positions.Transfer)

	mux.HandleFunc("GET /api/vaults", h.Vaults.List)
	mux.HandleFunc("GET /api/vaults/{ref}", h.Vaults.Get)
	mux.HandleFunc("POST /api/vaults/{ref}/harvest", h.Vaults.Harvest)

	mux.HandleFunc("GET /api/events", h.Events.List)

	if h.Assets != nil {
		mux.HandleFunc("GET /api/assets/{address}", h.Assets.Account)
		mux.HandleFunc("POST /api/assets/approve", h.Assets.Approve)
		mux.HandleFunc("POST /api/faucet", h.Assets.Faucet)
	}
	if h.Snapshots != nil {
		mux.HandleFunc("POST /api/snapshots", h.Snapshots.Take)
		mux.HandleFunc("GET /api/snapshots", h.Snapshots.List)
		mux.HandleFunc("GET /api/snapshots/{key...}", h.Snapshots.Get)
	}
	if h.Audit != nil {
		mux.HandleFunc("GET /api/audit", h.Audit.List)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	// Innermost first: the caller is resolved after auth and rate limiting so
	// rejected requests never read the body.
	replay := cfg.Replay
	if replay == nil {
		replay = local.NewReplayGuard()
	}
	var out http.Handler = mux
	out = middleware.Caller(middleware.CallerConfig{
		RequireSignatures: cfg.RequireSignatures,
		MaxAge:            cfg.SignatureMaxAge,
		Replay:            replay,
	})(out)
	if cfg.RateLimit > 0 && limiter != nil {
		out = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(out)
	}
	out = middleware.Auth(cfg.APIKey, "/api/health")(out)
	out = middleware.Logging(logger)(out)
	out = middleware.CORS(cfg.CORSOrigins)(out)
	return out
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
