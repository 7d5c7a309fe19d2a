package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gagliardetto/solana-go"

	_ "github.com/joho/godotenv/autoload"

	"github.com/solfight/backend/internal/chain"
	"github.com/solfight/backend/internal/config"
	"github.com/solfight/backend/internal/logging"
	"github.com/solfight/backend/internal/matchstore"
	"github.com/solfight/backend/internal/reconciler"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadReconcilerConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("reconciler", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		logger.Error("failed to load signing keypair", "path", cfg.KeypairPath, "err", err)
		os.Exit(1)
	}

	store, err := matchstore.NewStore(cfg.DBDSN)
	if err != nil {
		logger.Error("failed to open match store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("failed to close match store", "err", closeErr)
		}
	}()

	onchain, err := chain.New(cfg.Chain, signer, logger)
	if err != nil {
		logger.Error("failed to initialize chain client", "err", err)
		os.Exit(1)
	}

	svc := reconciler.New(cfg, store, onchain, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		logger.Error("reconciler exited with error", "err", err)
		os.Exit(1)
	}
}
