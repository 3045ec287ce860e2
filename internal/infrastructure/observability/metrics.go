package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all pipeline metrics.
type Metrics struct {
	// Inbox metrics
	WebhooksReceived   *prometheus.CounterVec
	InboxDuplicates    prometheus.Counter
	InboxInvalid       *prometheus.CounterVec
	InboxDuplicateRate prometheus.Gauge

	// Queue metrics
	QueueItemsByStatus  *prometheus.GaugeVec
	QueueItemsByEntity  *prometheus.GaugeVec
	ItemsEnqueued       *prometheus.CounterVec
	ItemsCompleted      *prometheus.CounterVec
	ItemsRetried        *prometheus.CounterVec
	ItemsDeadLettered   *prometheus.CounterVec
	ProcessingDuration  *prometheus.HistogramVec

	// Lock metrics
	LockAcquisitions *prometheus.CounterVec

	// Rate limiter / remote metrics
	RemoteCalls         *prometheus.CounterVec
	ThrottleActivations prometheus.Counter
	CircuitBreakerState *prometheus.GaugeVec

	// Health metrics
	HealthScore prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Dashboard metrics
	ConnectedObservers prometheus.Gauge
	EventsBroadcast    *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		WebhooksReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_received_total",
				Help:      "Total webhook deliveries admitted, by entity type and validity",
			},
			[]string{"entity_type", "valid"},
		),
		InboxDuplicates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbox_duplicates_total",
				Help:      "Total duplicate webhook deliveries suppressed",
			},
		),
		InboxInvalid: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbox_invalid_total",
				Help:      "Total webhook deliveries that failed structural validation",
			},
			[]string{"entity_type"},
		),
		InboxDuplicateRate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inbox_duplicate_rate",
				Help:      "Duplicate delivery rate over the health window",
			},
		),
		QueueItemsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_items_by_status",
				Help:      "Queue items in the health window by status",
			},
			[]string{"status"},
		),
		QueueItemsByEntity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_items_by_entity",
				Help:      "Queue items in the health window by entity type",
			},
			[]string{"entity_type"},
		),
		ItemsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_items_enqueued_total",
				Help:      "Total items enqueued, by entity type and operation",
			},
			[]string{"entity_type", "operation"},
		),
		ItemsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_items_completed_total",
				Help:      "Total items completed, by entity type",
			},
			[]string{"entity_type"},
		),
		ItemsRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_items_retried_total",
				Help:      "Total retry schedules, by entity type",
			},
			[]string{"entity_type"},
		),
		ItemsDeadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_items_dead_lettered_total",
				Help:      "Total items dead-lettered, by entity type and error code",
			},
			[]string{"entity_type", "error_code"},
		),
		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "processing_duration_seconds",
				Help:      "Item processing duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"entity_type", "outcome"},
		),
		LockAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_acquisitions_total",
				Help:      "Lock acquisition attempts by result",
			},
			[]string{"result"},
		),
		RemoteCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_calls_total",
				Help:      "Outbound remote platform calls by operation and result",
			},
			[]string{"operation", "result"},
		),
		ThrottleActivations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "throttle_activations_total",
				Help:      "Times the outbound throttle window was opened",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		HealthScore: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "health_score",
				Help:      "Derived pipeline health score (0-100)",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		ConnectedObservers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connected_observers",
				Help:      "Dashboard observers currently connected",
			},
		),
		EventsBroadcast: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_broadcast_total",
				Help:      "Dashboard events broadcast by type",
			},
			[]string{"type"},
		),
	}

	// Register all collectors
	factory.MustRegister(
		m.WebhooksReceived,
		m.InboxDuplicates,
		m.InboxInvalid,
		m.InboxDuplicateRate,
		m.QueueItemsByStatus,
		m.QueueItemsByEntity,
		m.ItemsEnqueued,
		m.ItemsCompleted,
		m.ItemsRetried,
		m.ItemsDeadLettered,
		m.ProcessingDuration,
		m.LockAcquisitions,
		m.RemoteCalls,
		m.ThrottleActivations,
		m.CircuitBreakerState,
		m.HealthScore,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ConnectedObservers,
		m.EventsBroadcast,
	)

	return m
}
