package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Notification outcomes counted at the receive path. Malformed and
// duplicate notifications are dropped silently apart from these counters.
var (
	metricNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailwatch_notifications_total",
			Help: "Pub/Sub push notifications by outcome.",
		},
		[]string{"outcome"}, // fresh, duplicate, malformed, unknown_account, disabled, queue_full
	)

	metricReconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailwatch_reconciliations_total",
			Help: "History reconciliation runs by outcome.",
		},
		[]string{"outcome"}, // ok, bootstrap, shared, error
	)

	metricRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailwatch_watch_renewals_total",
			Help: "Watch registration attempts by outcome.",
		},
		[]string{"outcome"}, // ok, permission_denied, transient
	)

	metricHandoffs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailwatch_handoffs_total",
			Help: "Message ids handed off to the downstream consumer.",
		},
	)
)

// CountNotification records a receive-path outcome. Exposed so the HTTP
// receiver shares the same counter family as the queue.
func CountNotification(outcome string) {
	metricNotifications.WithLabelValues(outcome).Inc()
}
