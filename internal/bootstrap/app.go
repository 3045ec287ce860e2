package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ledgersync/ledgersync/internal/broadcast"
	"github.com/ledgersync/ledgersync/internal/domain/entity"
	"github.com/ledgersync/ledgersync/internal/infrastructure/config"
	"github.com/ledgersync/ledgersync/internal/infrastructure/observability"
	infraRedis "github.com/ledgersync/ledgersync/internal/infrastructure/redis"
	"github.com/ledgersync/ledgersync/internal/ratelimit"
	"github.com/ledgersync/ledgersync/internal/repository/postgres"
	"github.com/ledgersync/ledgersync/pkg/backoff"
)

// App carries the process-wide infrastructure shared by the API and worker
// binaries: config, logging, tracing, metrics, Postgres, Redis, and the
// event hub.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics
	Hub     *broadcast.Hub
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info().Str("service", serviceName).Msg("Starting")

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			go func() {
				<-ctx.Done()
				observability.Shutdown(context.Background(), tp)
			}()
			logger.Info().Msg("Tracing enabled")
		}
	}

	metrics := observability.NewMetrics(metricsNamespace, nil)
	logger.Info().Msg("Metrics initialized")

	pool, err := postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("Connected to PostgreSQL")

	// Redis is only required when the rate limiter shares counters across
	// instances. Without it the limiter falls back to in-memory counters.
	var redisClient *redis.Client
	if cfg.RateLimit.UseRedis {
		redisClient, err = infraRedis.NewClient(ctx, &cfg.Redis)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info().Msg("Connected to Redis")
	}

	hub := broadcast.NewHub(logger)
	hub.OnBroadcast(func(t broadcast.EventType) {
		metrics.EventsBroadcast.WithLabelValues(string(t)).Inc()
	})

	return &App{
		Config:  cfg,
		Logger:  logger,
		Pool:    pool,
		Redis:   redisClient,
		Metrics: metrics,
		Hub:     hub,
	}, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	a.Pool.Close()
}

// BackoffTable builds the per-entity retry schedule from configuration.
func BackoffTable(cfg *config.QueueConfig) *backoff.Table {
	fallback := backoff.DefaultConfig()
	if cfg.MaxAttempts > 0 {
		fallback.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		fallback.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		fallback.MaxDelay = cfg.MaxDelay
	}

	overrides := make(map[entity.Type]backoff.Config, len(cfg.EntityOverrides))
	for name, o := range cfg.EntityOverrides {
		c := fallback
		if o.BaseDelay > 0 {
			c.BaseDelay = o.BaseDelay
		}
		if o.MaxDelay > 0 {
			c.MaxDelay = o.MaxDelay
		}
		if o.MaxAttempts > 0 {
			c.MaxAttempts = o.MaxAttempts
		}
		overrides[entity.Type(name)] = c
	}
	return backoff.NewTable(fallback, overrides)
}

// RateLimiterStore picks shared Redis counters when available, falling back
// to per-process memory counters.
func (a *App) RateLimiterStore() ratelimit.CounterStore {
	if a.Redis != nil {
		return ratelimit.NewRedisStore(a.Redis, "ledgersync:ratelimit")
	}
	return ratelimit.NewMemoryStore()
}
