// Package metrics exposes Prometheus metrics for the credits server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the credits server.
type Metrics struct {
	// Checkout and payment lifecycle
	CheckoutsTotal       *prometheus.CounterVec
	PaymentsTotal        *prometheus.CounterVec // By terminal status
	PaymentAmountCents   *prometheus.CounterVec
	PaymentsExpiredTotal prometheus.Counter

	// Credit ledger
	CreditsGrantedTotal   *prometheus.CounterVec // By transaction type
	CreditsConsumedTotal  prometheus.Counter
	InsufficientFunds     prometheus.Counter
	LedgerApplyDuration   prometheus.Histogram

	// Webhook event processing
	WebhookEventsTotal   *prometheus.CounterVec // By event type and outcome
	WebhookDuration      *prometheus.HistogramVec
	DuplicateEventsTotal prometheus.Counter

	// Recovery and reconciliation
	RecoveredPaymentsTotal prometheus.Counter
	ReconcileRunsTotal     prometheus.Counter

	// HTTP
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		CheckoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_checkouts_total",
				Help: "Checkout sessions created",
			},
			[]string{"item_kind"},
		),
		PaymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_payments_total",
				Help: "Payments reaching a new lifecycle status",
			},
			[]string{"status"},
		),
		PaymentAmountCents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_payment_amount_cents_total",
				Help: "Completed payment volume in cents",
			},
			[]string{"currency"},
		),
		PaymentsExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "credits_payments_expired_total",
				Help: "Pending payments expired by the cleanup sweep",
			},
		),
		CreditsGrantedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_granted_total",
				Help: "Credits granted to users",
			},
			[]string{"type"},
		),
		CreditsConsumedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "credits_consumed_total",
				Help: "Credits consumed by deductions",
			},
		),
		InsufficientFunds: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "credits_insufficient_funds_total",
				Help: "Deductions rejected for insufficient balance",
			},
		),
		LedgerApplyDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "credits_ledger_apply_duration_seconds",
				Help:    "Time to apply a ledger transaction",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
		WebhookEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_webhook_events_total",
				Help: "Webhook events processed",
			},
			[]string{"event_type", "outcome"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credits_webhook_duration_seconds",
				Help:    "Time to process a webhook event",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"event_type"},
		),
		DuplicateEventsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "credits_duplicate_events_total",
				Help: "Webhook events skipped as already-credited replays",
			},
		),
		RecoveredPaymentsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "credits_recovered_payments_total",
				Help: "Payments recovered by missed-payment verification",
			},
		),
		ReconcileRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "credits_reconcile_runs_total",
				Help: "Reconciliation sweeps executed",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_http_requests_total",
				Help: "HTTP requests served",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credits_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
	}
}

// ObserveWebhook records one processed webhook event.
func (m *Metrics) ObserveWebhook(eventType, outcome string, elapsed time.Duration) {
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
	m.WebhookDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
}
