package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics holds Prometheus metrics for billing-level observability.
type BusinessMetrics struct {
	// Capacity authorization
	CapacityChecks *prometheus.CounterVec

	// Checkout funnel
	CheckoutStarted *prometheus.CounterVec

	// Subscriptions
	SubscriptionsCreated   *prometheus.CounterVec
	SubscriptionsCancelled *prometheus.CounterVec

	// Credit ledger
	CreditsPurchased *prometheus.CounterVec
	CreditsConsumed  *prometheus.CounterVec
	CreditsRefunded  *prometheus.CounterVec

	// Webhooks
	WebhookReceived  *prometheus.CounterVec
	WebhookProcessed *prometheus.CounterVec
	WebhookFailed    *prometheus.CounterVec
	WebhookLatency   *prometheus.HistogramVec
}

// NewBusinessMetrics creates and registers all business metrics.
func NewBusinessMetrics(namespace string) *BusinessMetrics {
	if namespace == "" {
		namespace = "calder"
	}

	subsystem := "billing"

	return &BusinessMetrics{
		CapacityChecks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "capacity_checks_total",
				Help:      "Total capacity authorization decisions",
			},
			[]string{"outcome", "tier"}, // outcome: allowed, denied
		),
		CheckoutStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "checkout_started_total",
				Help:      "Total checkout sessions created",
			},
			[]string{"mode", "tier"}, // mode: subscription, payment
		),
		SubscriptionsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscriptions_created_total",
				Help:      "Total subscriptions activated from checkout",
			},
			[]string{"tier"},
		),
		SubscriptionsCancelled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscriptions_cancelled_total",
				Help:      "Total subscription cancellations",
			},
			[]string{"tier"},
		),
		CreditsPurchased: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "credits_purchased_total",
				Help:      "Total event credits purchased",
			},
			[]string{"tier"},
		),
		CreditsConsumed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "credits_consumed_total",
				Help:      "Total event credits consumed",
			},
			[]string{"tier"},
		),
		CreditsRefunded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "credits_refunded_total",
				Help:      "Total event credits refunded",
			},
			[]string{"tier"},
		),
		WebhookReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_received_total",
				Help:      "Total webhook deliveries received",
			},
			[]string{"event_type"},
		),
		WebhookProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_processed_total",
				Help:      "Total webhook deliveries processed successfully",
			},
			[]string{"event_type"},
		),
		WebhookFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_failed_total",
				Help:      "Total webhook deliveries whose handler failed",
			},
			[]string{"event_type"},
		),
		WebhookLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_duration_seconds",
				Help:      "Webhook processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
	}
}

// Business is the global business metrics instance.
// Nil until InitBusinessMetrics is called; callers nil-check before use.
var Business *BusinessMetrics

// InitBusinessMetrics initializes the global business metrics instance.
func InitBusinessMetrics(namespace string) *BusinessMetrics {
	Business = NewBusinessMetrics(namespace)
	return Business
}
