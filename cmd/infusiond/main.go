// Command infusiond runs the infusion ledger service. It loads and validates
// configuration, wires dependencies, sets up signal handling, and starts the
// application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/infusion/internal/app"
	"github.com/alanyoungcy/infusion/internal/config"
	"github.com/alanyoungcy/infusion/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	mode := flag.String("mode", "", "override the configured mode ("+strings.Join(app.Modes(), ", ")+")")
	sealKey := flag.String("seal-key", "", "seal the configured operator private key into this file and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *sealKey != "" {
		os.Exit(runSealKey(logger, cfg, *sealKey))
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("infusion ledger starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error", slog.String("error", err.Error()))
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("infusion ledger stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// runSealKey writes operator.private_key, sealed under operator.key_password,
// to path. Both usually come from INFUSION_OPERATOR_* in the environment.
func runSealKey(logger *slog.Logger, cfg *config.Config, path string) int {
	if cfg.Operator.PrivateKey == "" || cfg.Operator.KeyPassword == "" {
		logger.Error("seal-key needs INFUSION_OPERATOR_PRIVATE_KEY and INFUSION_OPERATOR_KEY_PASSWORD")
		return 1
	}
	addr, err := crypto.WriteKeyFile(path, cfg.Operator.PrivateKey, cfg.Operator.KeyPassword)
	if err != nil {
		logger.Error("seal operator key", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("operator key sealed",
		slog.String("path", path),
		slog.String("address", addr.Hex()),
	)
	return 0
}
