package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcomes.
const (
	outcomeStarted  = "started"
	outcomeIgnored  = "ignored"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

var (
	// deliveriesTotal counts webhook deliveries.
	// Labels: event (pull_request, issue_comment, ...), outcome
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "covergate",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Total number of webhook deliveries by event type and outcome",
		},
		[]string{"event", "outcome"},
	)

	// rateLimitedTotal counts requests refused by the per-IP limiter.
	rateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "covergate",
			Subsystem: "webhook",
			Name:      "rate_limited_total",
			Help:      "Total number of requests refused by the rate limiter",
		},
	)

	// limiterEntries is the number of client IPs currently tracked.
	limiterEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "covergate",
			Subsystem: "webhook",
			Name:      "rate_limiter_entries",
			Help:      "Number of client IPs tracked by the rate limiter",
		},
	)
)

func recordDelivery(event, outcome string) {
	if event == "" {
		event = "unknown"
	}
	deliveriesTotal.WithLabelValues(event, outcome).Inc()
}
