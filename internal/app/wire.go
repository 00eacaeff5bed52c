package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/infusion/internal/asset"
	s3blob "github.com/alanyoungcy/infusion/internal/blob/s3"
	"github.com/alanyoungcy/infusion/internal/cache/local"
	"github.com/alanyoungcy/infusion/internal/cache/redis"
	"github.com/alanyoungcy/infusion/internal/config"
	"github.com/alanyoungcy/infusion/internal/crypto"
	"github.com/alanyoungcy/infusion/internal/domain"
	"github.com/alanyoungcy/infusion/internal/notify"
	"github.com/alanyoungcy/infusion/internal/server/handler"
	"github.com/alanyoungcy/infusion/internal/service"
	"github.com/alanyoungcy/infusion/internal/store/memory"
	"github.com/alanyoungcy/infusion/internal/store/postgres"
)

// redisPrefix namespaces every key and channel the service touches.
const redisPrefix = "infusion:"

// Dependencies bundles the backends the modes build on. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Ledger is wrapped in a distributed lock when Redis is enabled.
	Ledger domain.LedgerStore
	Token  domain.AssetLedger
	Audit  domain.AuditStore

	Limiter domain.RateLimiter
	Replay  domain.ReplayGuard
	Bus     domain.SignalBus // nil without Redis

	// Blob storage; nil when S3 is disabled.
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	// Signer signs snapshots; nil when no operator key is configured.
	Signer *crypto.Signer

	Notifier *notify.Notifier

	// Checks are run by the health endpoint.
	Checks map[string]handler.Check
}

// Wire constructs the concrete backends selected by cfg and returns them
// together with a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Ledger store and asset ledger ---
	switch cfg.Store.Driver {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Ledger = postgres.NewLedgerStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		if cfg.Asset.Backend == "postgres" {
			deps.Token = postgres.NewTokenStore(pool, cfg.Asset.Symbol)
		}
		deps.Checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	default:
		deps.Ledger = memory.NewLedgerStore()
		deps.Audit = memory.NewAuditStore()
	}
	if deps.Token == nil {
		deps.Token = asset.NewMemoryToken(cfg.Asset.Symbol)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Prefix:     redisPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Ledger = service.NewSerializedStore(deps.Ledger, redis.NewLockManager(redisClient), cfg.LockTTL(), logger)
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.Replay = redis.NewReplayGuard(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMax)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		deps.Limiter = local.NewRateLimiter()
		deps.Replay = local.NewReplayGuard()
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Operator key ---
	key, err := crypto.LoadKey(crypto.KeySource{
		RawPrivateKey:    cfg.Operator.PrivateKey,
		EncryptedKeyPath: cfg.Operator.EncryptedKeyPath,
		KeyPassword:      cfg.Operator.KeyPassword,
	})
	switch {
	case err == nil:
		deps.Signer = crypto.NewSigner(key)
		logger.InfoContext(ctx, "operator key loaded", slog.String("address", deps.Signer.Address().Hex()))
	case errors.Is(err, crypto.ErrNoKey):
		logger.WarnContext(ctx, "no operator key configured, snapshots will be unsigned")
	default:
		return fail(fmt.Errorf("wire: operator key: %w", err))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
