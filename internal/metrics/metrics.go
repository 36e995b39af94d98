// Package metrics defines the Prometheus metric families exported by the
// gatekeeper core. Metrics are registered once at construction; all
// subsystems receive the shared *Metrics and observe into it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the admission and resilience core.
type Metrics struct {
	// Admission metrics
	AdmissionDecisions *prometheus.CounterVec
	SuspiciousScore    prometheus.Histogram
	PenaltiesApplied   *prometheus.CounterVec
	AdmissionErrors    prometheus.Counter

	// Counter store metrics
	StoreFallbackActive prometheus.Gauge
	StoreOperations     *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec

	// Backoff metrics
	RetryAttempts *prometheus.CounterVec
	RetryDelay    prometheus.Histogram

	// Timeout / resource metrics
	OperationTimeouts prometheus.Counter
	CleanupDuration   prometheus.Histogram
	ActiveResources   prometheus.Gauge

	// Degradation metrics
	DegradationLevel       prometheus.Gauge
	DegradationTransitions *prometheus.CounterVec

	// Fallback / orchestrator metrics
	FallbackDepth      prometheus.Histogram
	EmergencyFallbacks prometheus.Counter
	StrategySelected   *prometheus.CounterVec
	BoundaryState      *prometheus.GaugeVec
}

// New creates and registers all gatekeeper metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in main; tests use a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AdmissionDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_admission_decisions_total",
				Help: "Admission decisions by outcome",
			},
			[]string{"outcome"}, // allowed, rate_limit, cooldown, blocked, banned, error
		),
		SuspiciousScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_suspicious_score",
				Help:    "Suspiciousness score computed per analyzed request",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
		),
		PenaltiesApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_penalties_applied_total",
				Help: "Penalties applied by type",
			},
			[]string{"type"}, // warning, temporary_block, extended_block, permanent_ban
		),
		AdmissionErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeeper_admission_errors_total",
				Help: "Internal admission errors (fail-open)",
			},
		),
		StoreFallbackActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeeper_store_fallback_active",
				Help: "1 when the counter store is serving from the in-memory fallback",
			},
		),
		StoreOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_store_operations_total",
				Help: "Counter store operations by backend and result",
			},
			[]string{"backend", "result"}, // backend: redis, memory; result: ok, error
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gatekeeper_breaker_state",
				Help: "Circuit breaker state per service (0=closed, 1=open, 2=half-open)",
			},
			[]string{"service"},
		),
		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"service", "to"},
		),
		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_retry_attempts_total",
				Help: "Retry attempts by error classification",
			},
			[]string{"error_type"},
		),
		RetryDelay: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_retry_delay_seconds",
				Help:    "Post-jitter delay applied between retry attempts",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		OperationTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeeper_operation_timeouts_total",
				Help: "Operations aborted by the timeout manager",
			},
		),
		CleanupDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_resource_cleanup_seconds",
				Help:    "Duration of resource cleanup functions",
				Buckets: prometheus.DefBuckets,
			},
		),
		ActiveResources: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeeper_active_resources",
				Help: "Resources currently registered with the timeout manager",
			},
		),
		DegradationLevel: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeeper_degradation_level",
				Help: "Current degradation level (0=full, 1=reduced, 2=minimal, 3=emergency)",
			},
		),
		DegradationTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_degradation_transitions_total",
				Help: "Degradation level transitions",
			},
			[]string{"to", "trigger"},
		),
		FallbackDepth: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_fallback_chain_depth",
				Help:    "Number of candidates tried per fallback chain execution",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
			},
		),
		EmergencyFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeeper_emergency_fallbacks_total",
				Help: "Fallback chain executions that exhausted all candidates",
			},
		),
		StrategySelected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_strategy_selected_total",
				Help: "Resilience strategy selected by the orchestrator",
			},
			[]string{"strategy"}, // circuit_first, timeout_with_fallback, backoff_retry, degraded
		),
		BoundaryState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gatekeeper_boundary_state",
				Help: "Resilience boundary state per boundary type (0=healthy, 1=degraded, 2=isolated)",
			},
			[]string{"boundary"},
		),
	}
}

// NewForTest creates a metrics set on a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
