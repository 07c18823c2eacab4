package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for the petal economy. Registered on the default registry and
// served from /metrics.
var (
	grantedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "petals_granted_total",
		Help: "Petals credited, by cap category.",
	}, []string{"category"})

	spentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "petals_spent_total",
		Help: "Petals debited.",
	})

	limitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "petals_grants_limited_total",
		Help: "Grants clamped by a daily cap.",
	})

	replayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "petals_idempotent_replays_total",
		Help: "Grant requests served from the idempotency registry.",
	})

	insufficientTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "petals_debits_rejected_total",
		Help: "Debits rejected for insufficient funds.",
	})
)
