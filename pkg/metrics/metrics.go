package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ReconciliationsTotal counts reconciler runs by terminal outcome
// (done, duplicate, aborted, data_loss).
var ReconciliationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "regsync_reconciliations_total",
		Help: "Total reconciler invocations by outcome",
	},
	[]string{"outcome"},
)

// RegistrationsSaved counts authoritative-store writes by sync result
// (full, partial).
var RegistrationsSaved = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "regsync_registrations_saved_total",
		Help: "Registrations persisted to the authoritative store",
	},
	[]string{"result"},
)

// IntentsUnmatched counts intents that found no line-item slot.
var IntentsUnmatched = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "regsync_intents_unmatched_total",
		Help: "Paid-order intents with no matching line item slot",
	},
)

// BreakerTransitions counts circuit breaker state transitions per
// dependency.
var BreakerTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "regsync_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	},
	[]string{"breaker", "state"},
)

// ReconcileDuration records end-to-end reconciliation latency.
var ReconcileDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "regsync_reconcile_duration_seconds",
		Help:    "Latency of a full reconciliation attempt",
		Buckets: prometheus.DefBuckets,
	},
)

func init() {
	prometheus.MustRegister(ReconciliationsTotal, RegistrationsSaved, IntentsUnmatched)
	prometheus.MustRegister(BreakerTransitions, ReconcileDuration)
}
