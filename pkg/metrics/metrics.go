package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Webhook ingestion
	WebhookRequests *prometheus.CounterVec
	WebhookLatency  prometheus.Histogram

	// Retry queue
	RetryTransitions *prometheus.CounterVec
	RetryBacklog     prometheus.Gauge
	RetryLatency     prometheus.Histogram

	// Guardians
	SafeModeActivations *prometheus.CounterVec
	RepairAttempts      *prometheus.CounterVec
	Violations          *prometheus.CounterVec
	RiskScore           *prometheus.GaugeVec
	DaemonRuns          *prometheus.CounterVec
	DaemonDuration      prometheus.Histogram

	// Database metrics
	DatabaseOperations *prometheus.CounterVec
}

// New creates and registers all application metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction never collides.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		WebhookRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Inbound push notifications by outcome",
		}, []string{"outcome"}),
		WebhookLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "handling_duration_seconds",
			Help:      "Time spent verifying, deduplicating and handing off a notification",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		RetryTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry_queue",
			Name:      "transitions_total",
			Help:      "Retry queue item state transitions",
		}, []string{"status"}),
		RetryBacklog: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "retry_queue",
			Name:      "claimed_batch_size",
			Help:      "Number of items claimed in the last retry worker poll",
		}),
		RetryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retry_queue",
			Name:      "batch_duration_seconds",
			Help:      "Time spent processing one retry batch",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		SafeModeActivations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guardian",
			Name:      "safe_mode_transitions_total",
			Help:      "Safe mode activations and deactivations",
		}, []string{"transition"}),
		RepairAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guardian",
			Name:      "repair_attempts_total",
			Help:      "Vita repair attempts by event and result",
		}, []string{"event", "result"}),
		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guardian",
			Name:      "violations_total",
			Help:      "Sentra enforcement actions by violation type",
		}, []string{"violation_type"}),
		RiskScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aegis",
			Name:      "risk_score",
			Help:      "Latest Aegis risk score per tenant",
		}, []string{"tenant_id"}),
		DaemonRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "runs_total",
			Help:      "Guardian daemon runs by overall status",
		}, []string{"status"}),
		DaemonDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "run_duration_seconds",
			Help:      "Duration of a guardian daemon run",
		}),

		DatabaseOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
	}
}

// NewNop returns metrics bound to a throwaway registry.
func NewNop() *Metrics {
	return New("nop", prometheus.NewRegistry())
}

// ObserveDB records the outcome of a database operation.
func (m *Metrics) ObserveDB(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.DatabaseOperations.WithLabelValues(operation, status).Inc()
}
