package observer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsEnabled = true // Flag to control metric collection

	// Labels for state transition metrics
	transitionLabels = []string{"from_state", "to_state", "origin"}
	// Labels for ingestion outcomes
	ingestionLabels = []string{"outcome"}
	// Labels for provider API calls
	providerLabels = []string{"operation", "status"}
	// Labels for database operations
	dbOperationLabels = []string{"operation", "entity", "status"}

	// State transition counter, labeled by edge and by who observed it
	// (api, reconciler, ingestion).
	StateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_manager_state_transitions_total",
			Help: "Total number of connection state transitions applied, labeled by edge and origin.",
		},
		transitionLabels,
	)

	// StaleTransitionsRejectedTotal counts transitions dropped because newer
	// evidence had already been applied.
	StaleTransitionsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_manager_stale_transitions_rejected_total",
		Help: "Total number of state transitions rejected as stale by freshness comparison.",
	})

	// ConnectionsByState tracks the current fleet composition.
	ConnectionsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_manager_connections_by_state",
			Help: "Current number of connections per state.",
		},
		[]string{"state"},
	)

	// Ingestion counters
	MessagesIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_manager_messages_ingested_total",
			Help: "Total number of inbound messages handled by ingestion, labeled by outcome (processed, duplicate, skipped, failed).",
		},
		ingestionLabels,
	)

	// QuotaExhaustedTotal counts quota windows hitting their ceiling.
	QuotaExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_manager_quota_exhausted_total",
			Help: "Total number of quota exhaustion occurrences, labeled by direction (sent, received).",
		},
		[]string{"direction"},
	)

	// Rotation counters
	RotationSelectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_manager_rotation_selections_total",
		Help: "Total number of successful rotation selections.",
	})
	RotationNoCapacityTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_manager_rotation_no_capacity_total",
		Help: "Total number of rotation requests that found no eligible connection with capacity.",
	})

	// Reconciler metrics
	ReconcileCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_manager_reconcile_cycles_total",
			Help: "Total number of reconcile cycles, labeled by status (success, error).",
		},
		[]string{"status"},
	)
	ReconcileCycleDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_manager_reconcile_cycle_duration_seconds",
		Help:    "Histogram of full reconcile cycle durations.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
	})
	OrphansPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_manager_orphans_purged_total",
		Help: "Total number of connections purged after the gateway stopped reporting them.",
	})
	ConnectionsAdoptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_manager_connections_adopted_total",
		Help: "Total number of unknown gateway instances adopted into the registry.",
	})

	// Provider API call metrics
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_manager_provider_requests_total",
			Help: "Total number of provider gateway API calls, labeled by operation and status.",
		},
		providerLabels,
	)
	ProviderRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_manager_provider_request_duration_seconds",
			Help:    "Histogram of provider gateway API call durations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		providerLabels,
	)

	// Database operation metrics
	DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_manager_database_operation_duration_seconds",
			Help:    "Histogram of database operation durations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		dbOperationLabels,
	)

	// Lifecycle event publishing metrics
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_manager_events_published_total",
			Help: "Total number of lifecycle events published, labeled by kind and status.",
		},
		[]string{"kind", "status"},
	)
)

// InitMetrics toggles metric collection. Collectors are registered via
// promauto at package load regardless; disabling only stops observation.
func InitMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IncStateTransition records one applied state transition.
func IncStateTransition(from, to, origin string) {
	if !metricsEnabled {
		return
	}
	StateTransitionsTotal.WithLabelValues(from, to, origin).Inc()
}

// IncStaleTransitionRejected records one transition dropped as stale.
func IncStaleTransitionRejected() {
	if !metricsEnabled {
		return
	}
	StaleTransitionsRejectedTotal.Inc()
}

// SetConnectionsByState updates the per-state fleet gauge.
func SetConnectionsByState(state string, count int) {
	if !metricsEnabled {
		return
	}
	ConnectionsByState.WithLabelValues(state).Set(float64(count))
}

// IncMessageIngested records one ingestion outcome.
func IncMessageIngested(outcome string) {
	if !metricsEnabled {
		return
	}
	MessagesIngestedTotal.WithLabelValues(outcome).Inc()
}

// IncQuotaExhausted records one quota window hitting its ceiling.
func IncQuotaExhausted(direction string) {
	if !metricsEnabled {
		return
	}
	QuotaExhaustedTotal.WithLabelValues(direction).Inc()
}

// IncRotationSelection records one rotation pick.
func IncRotationSelection() {
	if !metricsEnabled {
		return
	}
	RotationSelectionsTotal.Inc()
}

// IncRotationNoCapacity records one rotation request with no capacity left.
func IncRotationNoCapacity() {
	if !metricsEnabled {
		return
	}
	RotationNoCapacityTotal.Inc()
}

// ObserveReconcileCycle records one finished reconcile cycle.
func ObserveReconcileCycle(duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	ReconcileCyclesTotal.WithLabelValues(status).Inc()
	ReconcileCycleDurationSeconds.Observe(duration.Seconds())
}

// IncOrphansPurged records purged connections.
func IncOrphansPurged(count int) {
	if !metricsEnabled || count <= 0 {
		return
	}
	OrphansPurgedTotal.Add(float64(count))
}

// IncConnectionAdopted records one adopted gateway instance.
func IncConnectionAdopted() {
	if !metricsEnabled {
		return
	}
	ConnectionsAdoptedTotal.Inc()
}

// ObserveProviderRequest records one provider gateway API call.
func ObserveProviderRequest(operation string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	ProviderRequestsTotal.WithLabelValues(operation, status).Inc()
	ProviderRequestDurationSeconds.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// ObserveDbOperationDuration records the duration for a database operation.
func ObserveDbOperationDuration(operation, entity string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseOperationDurationSeconds.WithLabelValues(operation, entity, status).Observe(duration.Seconds())
}

// IncEventPublished records one lifecycle event publish attempt.
func IncEventPublished(kind string, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	EventsPublishedTotal.WithLabelValues(kind, status).Inc()
}
