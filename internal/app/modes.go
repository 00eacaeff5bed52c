package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/infusion/internal/asset"
	"github.com/alanyoungcy/infusion/internal/registry"
	"github.com/alanyoungcy/infusion/internal/server"
	"github.com/alanyoungcy/infusion/internal/server/handler"
	"github.com/alanyoungcy/infusion/internal/server/ws"
	"github.com/alanyoungcy/infusion/internal/service"
	"github.com/alanyoungcy/infusion/internal/vault"
)

// ledger is the registry with its vaults and the services around it.
type ledger struct {
	registry  *registry.Registry
	vaults    []*vault.Vault
	relay     *service.EventRelay
	assets    *service.AssetService
	snapshots *service.SnapshotService // nil without blob storage
}

// buildLedger creates the vaults, initializes their rows and assembles the
// registry on top of deps.
func (a *App) buildLedger(ctx context.Context, deps *Dependencies) (*ledger, error) {
	l := &ledger{
		relay: service.NewEventRelay(deps.Bus, nil, deps.Notifier, a.logger),
	}

	for _, vc := range a.cfg.Vaults {
		v := vault.New(vault.Config{
			Address:  vc.Addr(),
			Name:     vc.Name,
			Symbol:   vc.Symbol,
			YieldBps: a.cfg.Harvest.YieldBps,
		}, deps.Ledger, asset.NewAdapter(deps.Token, vc.Addr()), asset.NewMintingYield(deps.Token), a.logger)
		if err := v.Init(ctx); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		l.vaults = append(l.vaults, v)
	}

	registryAddr := a.cfg.RegistryAddress()
	l.registry = registry.New(deps.Ledger, asset.NewAdapter(deps.Token, registryAddr), l.vaults, l.relay, a.logger)

	l.assets = service.NewAssetService(deps.Token, registryAddr, deps.Limiter, deps.Audit, service.FaucetConfig{
		Enabled:   a.cfg.Faucet.Enabled,
		MaxAmount: a.cfg.FaucetMax(),
		Limit:     a.cfg.Faucet.Limit,
		Window:    a.cfg.FaucetWindow(),
	}, a.logger)

	if deps.BlobWriter != nil && deps.BlobReader != nil {
		l.snapshots = service.NewSnapshotService(
			deps.Ledger, deps.BlobWriter, deps.BlobReader, deps.Signer, deps.Audit,
			registryAddr, deps.Token.Symbol(), a.cfg.Snapshot.Prefix, a.logger,
		)
	}
	return l, nil
}

// ServeMode runs the HTTP API, the WebSocket hub and the notification relay
// until ctx is cancelled.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	l, err := a.buildLedger(ctx, deps)
	if err != nil {
		return err
	}

	vaultRefs := make([]string, 0, len(l.vaults))
	for _, v := range l.vaults {
		vaultRefs = append(vaultRefs, v.Address().Hex())
	}
	hub := ws.NewHub(ws.Config{
		Registry: l.registry.Address().Hex(),
		Vaults:   vaultRefs,
		Bus:      deps.Bus,
		Replayer: l.relay,
	}, a.cfg.Server.CORSOrigins, a.logger)
	l.relay.SetBroadcaster(hub)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(hub.Run(ctx))
	})
	g.Go(func() error {
		return ignoreCanceled(l.relay.Run(ctx))
	})

	if a.cfg.Server.Enabled {
		handlers := server.Handlers{
			Health:    handler.NewHealthHandler(deps.Checks, a.logger),
			Positions: handler.NewPositionHandler(l.registry, a.logger),
			Vaults:    handler.NewVaultHandler(l.registry, a.harvestPolicy(deps), a.logger),
			Events:    handler.NewEventHandler(l.registry, a.logger),
			Assets:    handler.NewAssetHandler(l.assets, a.logger),
			Audit:     handler.NewAuditHandler(deps.Audit, a.logger),
		}
		if l.snapshots != nil {
			handlers.Snapshots = handler.NewSnapshotHandler(l.snapshots, a.logger)
		}
		srv := server.NewServer(server.Config{
			Port:              a.cfg.Server.Port,
			CORSOrigins:       a.cfg.Server.CORSOrigins,
			APIKey:            a.cfg.Server.APIKey,
			RequireSignatures: a.cfg.Server.RequireSignatures,
			SignatureMaxAge:   a.cfg.SignatureMaxAge(),
			Replay:            deps.Replay,
			RateLimit:         a.cfg.Server.RateLimit,
			RateWindow:        a.cfg.RateWindow(),
		}, handlers, hub, deps.Limiter, a.logger)

		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// SnapshotMode writes a single signed ledger snapshot and exits.
func (a *App) SnapshotMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting snapshot mode")

	l, err := a.buildLedger(ctx, deps)
	if err != nil {
		return err
	}
	if l.snapshots == nil {
		return errors.New("app: snapshot mode requires s3")
	}

	info, err := l.snapshots.Take(ctx)
	if err != nil {
		return fmt.Errorf("app: snapshot: %w", err)
	}
	a.logger.InfoContext(ctx, "snapshot complete",
		slog.String("path", info.Path),
		slog.String("digest", info.Digest),
		slog.Int("positions", info.Positions),
	)
	return nil
}

// harvestPolicy lets the configured operators, and the operator key when
// one is loaded, harvest over the API.
func (a *App) harvestPolicy(deps *Dependencies) handler.HarvestPolicy {
	ops := a.cfg.HarvestOperators()
	if deps.Signer != nil {
		ops = append(ops, deps.Signer.Address())
	}
	if len(ops) == 0 {
		a.logger.Warn("no harvest operators configured, API harvest is disabled")
	}
	return handler.HarvestPolicy{Operators: ops, MaxAmount: a.cfg.HarvestMax()}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
