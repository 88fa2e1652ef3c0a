package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics holds Prometheus metrics for entitlement reconciliation.
type BusinessMetrics struct {
	// Webhooks
	WebhookReceived  *prometheus.CounterVec
	WebhookProcessed *prometheus.CounterVec
	WebhookFailed    *prometheus.CounterVec
	WebhookDuplicate *prometheus.CounterVec
	WebhookStale     *prometheus.CounterVec
	WebhookLatency   *prometheus.HistogramVec

	// Ledger
	LedgerAdjustments *prometheus.CounterVec
	LedgerResets      *prometheus.CounterVec
	TokensGranted     *prometheus.CounterVec

	// Subscriptions
	PlanChanges *prometheus.CounterVec

	// Reconciliation sweep
	SweepRuns     *prometheus.CounterVec
	SweepUsers    *prometheus.CounterVec
	SweepDuration prometheus.Histogram

	// Provider and messaging
	ProviderAPILatency  *prometheus.HistogramVec
	ProviderCancelFails prometheus.Counter
	NotificationsFailed *prometheus.CounterVec
}

// NewBusinessMetrics creates business metrics and registers them with reg.
func NewBusinessMetrics(namespace string, reg prometheus.Registerer) *BusinessMetrics {
	if namespace == "" {
		namespace = "reckon"
	}
	factory := promauto.With(reg)

	return &BusinessMetrics{
		// =======================================================================
		// Webhooks
		// =======================================================================
		WebhookReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "received_total",
				Help:      "Verified provider webhooks received",
			},
			[]string{"event_type"},
		),
		WebhookProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "processed_total",
				Help:      "Provider webhooks processed successfully",
			},
			[]string{"event_type"},
		),
		WebhookFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "failed_total",
				Help:      "Provider webhooks that failed and will be redelivered",
			},
			[]string{"event_type"},
		),
		WebhookDuplicate: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "duplicate_total",
				Help:      "Redelivered webhooks skipped by the idempotency gate",
			},
			[]string{"event_type"},
		),
		WebhookStale: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "stale_total",
				Help:      "Webhooks ignored because they refer to a superseded subscription",
			},
			[]string{"event_type"},
		),
		WebhookLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "processing_duration_seconds",
				Help:      "Time to process a verified webhook",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"event_type"},
		),

		// =======================================================================
		// Ledger
		// =======================================================================
		LedgerAdjustments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "adjustments_total",
				Help:      "Ledger adjustments by reason and outcome",
			},
			[]string{"reason", "outcome"}, // outcome: applied, rejected, duplicate
		),
		LedgerResets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "resets_total",
				Help:      "Balance resets by source and outcome",
			},
			[]string{"source", "outcome"}, // source: invoice, schedule; outcome: applied, already_processed, already_claimed
		),
		TokensGranted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "tokens_granted_total",
				Help:      "Tokens credited by reason",
			},
			[]string{"reason"},
		),

		// =======================================================================
		// Subscriptions
		// =======================================================================
		PlanChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "plan_changes_total",
				Help:      "Plan transitions by kind",
			},
			[]string{"kind"}, // upgrade, downgrade_scheduled, downgrade_applied, lateral, reverted_to_free
		),

		// =======================================================================
		// Sweep
		// =======================================================================
		SweepRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "runs_total",
				Help:      "Reconciliation sweep runs by trigger",
			},
			[]string{"trigger"},
		),
		SweepUsers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "users_total",
				Help:      "Users visited by the sweep by outcome",
			},
			[]string{"outcome"}, // reset, already_claimed, failed
		),
		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "duration_seconds",
				Help:      "Reconciliation sweep duration",
				Buckets:   []float64{.05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
		),

		// =======================================================================
		// Provider and messaging
		// =======================================================================
		ProviderAPILatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "api_duration_seconds",
				Help:      "Payment provider API call duration",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		ProviderCancelFails: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "cancel_failures_total",
				Help:      "Best-effort cancellations of superseded subscriptions that failed",
			},
		),
		NotificationsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "publish_failures_total",
				Help:      "Entitlement notifications that could not be published",
			},
			[]string{"subject"},
		),
	}
}

// Business is the process-wide instance. It stays nil until
// InitBusinessMetrics is called, and callers must nil-check it.
var Business *BusinessMetrics

// InitBusinessMetrics initializes the global business metrics instance on
// the default Prometheus registry.
func InitBusinessMetrics(namespace string) *BusinessMetrics {
	Business = NewBusinessMetrics(namespace, prometheus.DefaultRegisterer)
	return Business
}
