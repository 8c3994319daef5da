package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storebilling",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storebilling",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// TransitionsTotal counts subscription status changes.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storebilling",
		Subsystem: "billing",
		Name:      "transitions_total",
		Help:      "Subscription status transitions by source and target status.",
	}, []string{"from", "to"})

	// SweepRunsTotal counts sweeper runs by outcome.
	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storebilling",
		Subsystem: "sweeper",
		Name:      "runs_total",
		Help:      "Total sweeper runs by outcome (ok, failed, skipped).",
	}, []string{"outcome"})

	// SweepRowsTotal counts rows touched by the sweeper by result.
	SweepRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storebilling",
		Subsystem: "sweeper",
		Name:      "rows_total",
		Help:      "Subscription rows handled by the sweeper by result (expired, past_due, pix_cleared, failed).",
	}, []string{"result"})

	// SweepDuration tracks how long one sweep takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "storebilling",
		Subsystem: "sweeper",
		Name:      "duration_seconds",
		Help:      "Sweeper run duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// ProviderCallsTotal counts payment provider calls by operation and outcome.
	ProviderCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storebilling",
		Subsystem: "billing",
		Name:      "provider_calls_total",
		Help:      "Payment provider calls by operation and outcome (ok, error).",
	}, []string{"op", "outcome"})
)
