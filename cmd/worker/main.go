package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ledgersync/ledgersync/internal/bootstrap"
	"github.com/ledgersync/ledgersync/internal/lock"
	"github.com/ledgersync/ledgersync/internal/ratelimit"
	"github.com/ledgersync/ledgersync/internal/remote"
	"github.com/ledgersync/ledgersync/internal/repository/postgres"
	"github.com/ledgersync/ledgersync/internal/service"
	"github.com/ledgersync/ledgersync/internal/worker"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "ledgersync-worker", "ledgersync_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	queueRepo := postgres.NewQueueRepository(app.Pool)

	table := bootstrap.BackoffTable(&app.Config.Queue)
	syncQueue := service.NewSyncQueue(queueRepo, table, app.Hub, app.Metrics, app.Logger)
	locks := lock.NewManager(queueRepo, app.Config.Queue.LockTTL, app.Logger)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		MaxPerMinute:  app.Config.RateLimit.MaxPerMinute,
		MaxPerDay:     app.Config.RateLimit.MaxPerDay,
		MaxConcurrent: app.Config.RateLimit.MaxConcurrent,
		ThrottleBase:  app.Config.RateLimit.ThrottleBase,
	}, app.RateLimiterStore(), app.Logger)

	client := remote.NewHTTPClient(remote.HTTPClientConfig{
		BaseURL:        app.Config.Remote.BaseURL,
		APIToken:       app.Config.Remote.APIToken,
		RequestTimeout: app.Config.Remote.RequestTimeout,
	}, limiter, app.Hub, app.Metrics, app.Logger)

	pool := worker.NewPool(
		app.Config.Worker.Count,
		syncQueue,
		locks,
		worker.NewSyncProcessor(client),
		app.Metrics,
		app.Logger,
		worker.Config{
			BatchSize:    app.Config.Worker.BatchSize,
			PollInterval: app.Config.Worker.PollInterval,
		},
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pool.Run(gCtx)
	})

	// Sweep expired locks so crashed workers release their items well
	// before anyone needs a stale takeover.
	g.Go(func() error {
		return runLockSweeper(gCtx, app, locks)
	})

	// Drop completed items past the retention window.
	g.Go(func() error {
		return runRetentionCleanup(gCtx, app, syncQueue)
	})

	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-quit:
			app.Logger.Info().Msg("Shutting down worker...")
			cancel()
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}

func runLockSweeper(ctx context.Context, app *bootstrap.App, locks *lock.Manager) error {
	interval := app.Config.Queue.LockTTL
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := locks.CleanupExpired(ctx); err != nil {
			app.Logger.Error().Err(err).Msg("Lock sweep failed")
		}
	}
}

func runRetentionCleanup(ctx context.Context, app *bootstrap.App, syncQueue *service.SyncQueue) error {
	interval := app.Config.Queue.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		n, err := syncQueue.CleanupCompleted(ctx, app.Config.Queue.RetentionDays)
		if err != nil {
			app.Logger.Error().Err(err).Msg("Retention cleanup failed")
			continue
		}
		if n > 0 {
			app.Logger.Info().Int64("deleted", n).Msg("Completed items cleaned up")
		}
	}
}
