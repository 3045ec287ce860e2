package controller

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ledgersync/ledgersync/internal/broadcast"
	"github.com/ledgersync/ledgersync/internal/health"
	"github.com/ledgersync/ledgersync/internal/infrastructure/config"
	"github.com/ledgersync/ledgersync/internal/infrastructure/observability"
	customMW "github.com/ledgersync/ledgersync/internal/middleware"
	"github.com/ledgersync/ledgersync/internal/service"
)

type RouterDeps struct {
	Pool         *pgxpool.Pool
	RedisClient  *redis.Client
	Gate         *service.InboxGate
	SyncQueue    *service.SyncQueue
	Monitor      *health.Monitor
	Hub          *broadcast.Hub
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
	CORSConfig   config.CORSConfig
	JWTSecret    string
	WebhookPerIP int
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing())
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSConfig.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: deps.CORSConfig.AllowCredentials,
		MaxAge:           300,
	}))
	r.Use(customMW.Metrics(deps.Metrics))

	healthH := NewHealthController(deps.Pool, deps.RedisClient)
	webhookH := NewWebhookController(deps.Gate)
	adminH := NewAdminController(deps.SyncQueue, deps.Gate, deps.Monitor)
	dashboardH := NewDashboardController(deps.Hub, deps.JWTSecret, deps.Metrics, deps.Logger)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	r.Handle("/metrics", promhttp.Handler())

	// Webhook ingress is rate limited per source IP; everything past the
	// limiter is answered 202 so upstreams do not retry-amplify.
	r.With(customMW.RateLimit(deps.WebhookPerIP)).Post("/webhooks", webhookH.Receive)

	r.Get("/ws", dashboardH.Connect)

	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(customMW.RequireAuth(deps.JWTSecret))

		r.Get("/items/{id}", adminH.GetItem)
		r.Get("/queue/stats", adminH.QueueStats)
		r.Get("/inbox/stats", adminH.InboxStats)
		r.Get("/health/snapshot", adminH.HealthSnapshot)

		r.Post("/dead-letters/retry", adminH.RetryDeadLetters)
		r.Post("/duplicates/purge", adminH.PurgeDuplicates)
		r.Post("/completed/cleanup", adminH.CleanupCompleted)
	})

	return r
}
