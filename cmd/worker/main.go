// Command worker runs one crawl worker process: it subscribes to the
// priority queues of its tier, executes crawl tasks against the market
// data providers and publishes results back to the broker.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/broker/dragonfly"
	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/observability"
	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/provider"
	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/provider/router"
	"github.com/fairyhunter13/market-crawl-worker/internal/app"
	"github.com/fairyhunter13/market-crawl-worker/internal/config"
	"github.com/fairyhunter13/market-crawl-worker/internal/usecase"
)

// Exit codes: 0 clean shutdown, 1 drain timeout or runtime failure,
// 2 unusable configuration or unreachable broker at startup.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration invalid", slog.Any("error", err))
		return exitConfig
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		logger.Error("tracing setup failed", slog.Any("error", err))
		return exitConfig
	}
	if shutdownTracing != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				logger.Warn("tracing shutdown failed", slog.Any("error", err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := dragonfly.Connect(ctx, cfg)
	if err != nil {
		logger.Error("broker connection failed", slog.Any("error", err))
		return exitConfig
	}
	defer func() { _ = rdb.Close() }()

	consumer := dragonfly.NewConsumer(rdb, cfg.Tier(), cfg.WorkerID, cfg.ConsumerBlockTimeout)
	if err := consumer.EnsureGroups(ctx); err != nil {
		logger.Error("consumer group setup failed", slog.Any("error", err))
		return exitConfig
	}

	cache := dragonfly.NewResourceCache(rdb)
	registry := dragonfly.NewRegistry(rdb, cfg.WorkerID)
	executor := usecase.NewExecutor(cfg, cache, provider.NewFetcher(), router.New(), usecase.NewGate())
	supervisor := app.NewSupervisor(cfg, consumer, executor, consumer, consumer, registry, logger)

	admin := app.NewAdminServer(cfg, supervisor, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}, logger)
	adminErr := admin.Start()

	runErr := make(chan error, 1)
	go func() { runErr <- supervisor.Run(ctx) }()

	var exit int
	select {
	case err := <-adminErr:
		logger.Error("admin server failed", slog.Any("error", err))
		stop()
		exit = codeFor(<-runErr)
		if exit == exitOK {
			exit = exitRuntime
		}
	case err := <-runErr:
		exit = codeFor(err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin server shutdown failed", slog.Any("error", err))
	}
	return exit
}

func codeFor(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return exitOK
	case errors.Is(err, app.ErrDrainTimeout):
		return exitRuntime
	default:
		slog.Error("worker failed", slog.Any("error", err))
		return exitRuntime
	}
}
