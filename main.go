package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bybit-pullback-bot/config"
	"bybit-pullback-bot/internal/api"
	"bybit-pullback-bot/internal/bybit"
	"bybit-pullback-bot/internal/journal"
	"bybit-pullback-bot/internal/logging"
	"bybit-pullback-bot/internal/trading"
	"bybit-pullback-bot/internal/vault"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

func main() {
	// Load .env if present, real environment takes precedence
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	// Resolve API credentials from Vault when enabled
	if cfg.VaultConfig.Enabled {
		vaultClient, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			logger.Error("Vault client initialization failed", "error", err.Error())
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		creds, err := vaultClient.GetCredentials(ctx, cfg.BybitConfig.TestNet)
		cancel()
		if err != nil {
			logger.Error("Failed to fetch credentials from Vault", "error", err.Error())
			os.Exit(1)
		}
		cfg.BybitConfig.APIKey = creds.APIKey
		cfg.BybitConfig.APISecret = creds.APISecret
		logger.Info("API credentials loaded from Vault")
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err.Error())
		os.Exit(1)
	}

	journalLog := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Optional Postgres trade mirror
	var tradeStore *journal.TradeStore
	if cfg.DatabaseConfig.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		tradeStore, err = journal.NewTradeStore(ctx, cfg.DatabaseConfig.URL, journalLog.With().Str("component", "trade-store").Logger())
		cancel()
		if err != nil {
			logger.Error("Trade store initialization failed", "error", err.Error())
			os.Exit(1)
		}
		logger.Info("Postgres trade store connected")
	}

	// Optional Redis position snapshot mirror
	var snapshots *journal.SnapshotStore
	if cfg.RedisConfig.Enabled {
		snapshots, err = journal.NewSnapshotStore(cfg.RedisConfig.Address, cfg.RedisConfig.Password,
			cfg.RedisConfig.DB, journalLog.With().Str("component", "snapshots").Logger())
		if err != nil {
			logger.Error("Snapshot store initialization failed", "error", err.Error())
			os.Exit(1)
		}
		logger.Info("Redis snapshot store connected")
	}

	client := bybit.NewRestClient(cfg.BybitConfig.APIKey, cfg.BybitConfig.APISecret, cfg.BybitConfig.BaseURL())
	stream := bybit.NewMarketStream(cfg.BybitConfig.WSURL())

	controller := trading.NewController(cfg, client, trading.Options{
		Stream:     stream,
		TradeStore: tradeStore,
		Snapshots:  snapshots,
		JournalLog: journalLog,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	err = controller.Start(ctx)
	cancel()
	if err != nil {
		logger.Error("Engine start failed", "error", err.Error())
		os.Exit(1)
	}

	server := api.NewServer(cfg.ServerConfig, controller)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("HTTP server failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	logger.Info("Engine running", "port", cfg.ServerConfig.Port, "testnet", cfg.BybitConfig.TestNet)

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("Shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", "error", err.Error())
	}

	controller.Stop()
	logger.Info("Engine stopped")
}
