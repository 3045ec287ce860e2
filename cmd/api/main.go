package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ledgersync/ledgersync/internal/bootstrap"
	"github.com/ledgersync/ledgersync/internal/controller"
	"github.com/ledgersync/ledgersync/internal/health"
	"github.com/ledgersync/ledgersync/internal/repository/postgres"
	"github.com/ledgersync/ledgersync/internal/service"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "ledgersync-api", "ledgersync")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	// --- Repositories ---
	inboxRepo := postgres.NewInboxRepository(app.Pool)
	queueRepo := postgres.NewQueueRepository(app.Pool)

	// --- Services ---
	table := bootstrap.BackoffTable(&app.Config.Queue)
	syncQueue := service.NewSyncQueue(queueRepo, table, app.Hub, app.Metrics, app.Logger)
	txManager := postgres.NewTxManager(app.Pool)
	gate := service.NewInboxGate(
		inboxRepo, syncQueue, txManager, app.Hub, app.Metrics, app.Logger,
		app.Config.Queue.DefaultPriority, app.Config.Queue.EntityPriorities,
	)
	monitor := health.NewMonitor(
		inboxRepo, queueRepo, app.Hub, app.Metrics, app.Logger,
		health.DefaultThresholds(), app.Config.Health.Window, app.Config.Health.Interval,
	)

	router := controller.NewRouter(controller.RouterDeps{
		Pool:         app.Pool,
		RedisClient:  app.Redis,
		Gate:         gate,
		SyncQueue:    syncQueue,
		Monitor:      monitor,
		Hub:          app.Hub,
		Metrics:      app.Metrics,
		Logger:       app.Logger,
		CORSConfig:   app.Config.Server.CORS,
		JWTSecret:    app.Config.Auth.JWTSecret,
		WebhookPerIP: app.Config.Server.WebhookPerIP,
	})

	addr := fmt.Sprintf(":%d", app.Config.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  app.Config.Server.ReadTimeout,
		WriteTimeout: app.Config.Server.WriteTimeout,
		IdleTimeout:  app.Config.Server.IdleTimeout,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.Logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// The API process hosts the dashboard, so the periodic health sampler
	// runs here and its band changes reach connected observers directly.
	g.Go(func() error {
		return monitor.Run(gCtx)
	})

	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-quit:
			app.Logger.Info().Msg("Shutting down server...")
			cancel()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		app.Logger.Error().Err(err).Msg("Server error")
	}
	app.Logger.Info().Msg("Server exited")
}
