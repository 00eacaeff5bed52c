// Package app runs the infusion service: it wires the ledger backends, builds
// the registry and its vaults, and hands them to the selected mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/alanyoungcy/infusion/internal/config"
)

// modeFunc runs one operating mode on wired dependencies.
type modeFunc func(a *App, ctx context.Context, deps *Dependencies) error

var modes = map[string]modeFunc{
	"serve":    (*App).ServeMode,
	"snapshot": (*App).SnapshotMode,
}

// Modes lists the supported operating modes.
func Modes() []string {
	out := make([]string, 0, len(modes))
	for m := range modes {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// App owns the configuration and the cleanup of whatever Run wired.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	mu        sync.Mutex
	cleanup   func()
	closeOnce sync.Once
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies and blocks in the configured mode until it returns
// or ctx is cancelled. The mode is checked before anything is dialed.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(strings.TrimSpace(a.cfg.Mode))
	run, ok := modes[mode]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q (want one of %s)", a.cfg.Mode, strings.Join(Modes(), ", "))
	}

	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", mode),
		slog.String("store", a.cfg.Store.Driver),
		slog.Bool("redis", a.cfg.Redis.Enabled),
		slog.Bool("s3", a.cfg.S3.Enabled),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.mu.Lock()
	a.cleanup = cleanup
	a.mu.Unlock()

	return run(a, ctx, deps)
}

// Close releases the wired backends. Only the first call does anything.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		cleanup := a.cleanup
		a.mu.Unlock()
		if cleanup == nil {
			return
		}
		a.logger.Info("shutting down application")
		cleanup()
	})
}
