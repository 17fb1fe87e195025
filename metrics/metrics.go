package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Namespace = "chatmon"

	// RuleHealth is 1 when the last evaluation of a rule completed, 0 when the
	// telemetry pull failed.
	RuleHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "alerter",
		Name:      "rule_health",
		Help:      "Health of the last evaluation for an alert rule",
	}, []string{"rule"})

	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "alerter",
		Name:      "evaluations_total",
		Help:      "Counter of rule evaluations by result",
	}, []string{"rule", "result"})

	EvaluationsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "alerter",
		Name:      "evaluations_skipped_total",
		Help:      "Counter of evaluations skipped because the previous one was still in flight",
	}, []string{"rule"})

	AlertsFiring = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "alerter",
		Name:      "alerts_firing",
		Help:      "Number of alert instances currently in the Firing state",
	})

	MonitoringDegraded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "alerter",
		Name:      "monitoring_degraded",
		Help:      "Set to 1 when consecutive evaluation errors for a rule exceed the degraded threshold",
	}, []string{"rule"})

	NotificationUnhealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "alerter",
		Name:      "notification_unhealthy",
		Help:      "Set to 1 when delivery to a receiver has been given up",
	}, []string{"rule"})

	NotificationRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "alerter",
		Name:      "notification_retries_total",
		Help:      "Counter of notification delivery retries",
	}, []string{"rule"})

	NotificationsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "alerter",
		Name:      "notifications_sent_total",
		Help:      "Counter of notifications delivered to receivers",
	}, []string{"rule", "event"})

	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "alerter",
		Name:      "events_dropped_total",
		Help:      "Counter of lifecycle events dropped because the dispatcher queue was full",
	})
)
