package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/psyduk/service/config"
	"github.com/brojonat/psyduk/service/db"
	"github.com/brojonat/psyduk/service/eligibility"
	"github.com/brojonat/psyduk/service/metrics"
	natspkg "github.com/brojonat/psyduk/service/nats"
	"github.com/brojonat/psyduk/service/raffle"
	"github.com/brojonat/psyduk/service/server"
	"github.com/brojonat/psyduk/service/solana"
	"github.com/brojonat/psyduk/service/temporal"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	store := db.NewStore(dbPool, metricsCollector, logger)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	authority, err := raffle.NewAuthority(cfg.RaffleConfig(), store.Executor(), nil, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create raffle authority", "error", err)
		os.Exit(1)
	}

	// Note: For premium RPC endpoints, include API key in the URL
	rpcURL, err := solana.SelectRandomEndpoint(solana.SplitEndpoints(cfg.SolanaRPCURL))
	if err != nil {
		logger.Error("failed to select solana endpoint", "error", err)
		os.Exit(1)
	}
	endpoint := solana.EndpointLabel(rpcURL)
	solanaClient := solana.NewClient(solana.NewRPCClient(rpcURL), endpoint, metricsCollector, logger)
	logger.Info("initialized solana RPC client", "endpoint", endpoint)

	checker, err := eligibility.NewChecker(solanaClient, cfg.EligibilityMint, cfg.EligibilityMinBalance, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create eligibility checker", "error", err)
		os.Exit(1)
	}

	natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create NATS publisher", "error", err)
		os.Exit(1)
	}
	defer natsPublisher.Close()

	// Streaming is optional; the API works without it.
	stream, err := server.NewEventStream(cfg.NATSURL, logger)
	if err != nil {
		logger.Warn("failed to create event stream, streaming disabled", "error", err)
		stream = nil
	}

	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		logger,
	)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()

	httpServer := server.New(cfg.ServerAddr, server.Deps{
		Authority:    authority,
		Store:        store,
		Eligibility:  checker,
		Watches:      temporalClient,
		Publisher:    natsPublisher,
		Stream:       stream,
		WatchTimeout: cfg.WatchTimeout(),
		Gatherer:     prometheus.DefaultGatherer,
	}, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"round", authority.Address().String(),
		"vault", cfg.VaultAddress.String(),
		"nats_url", cfg.NATSURL,
		"temporal_host", cfg.TemporalHost,
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
