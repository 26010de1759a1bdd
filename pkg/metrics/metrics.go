package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	MessagesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_messages_dispatched_total",
			Help: "Total number of routed messages dispatched by persona",
		},
		[]string{"persona"},
	)

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_messages_dropped_total",
			Help: "Total number of routed messages dropped by reason",
		},
		[]string{"reason"},
	)

	AccumulatorResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_accumulator_results_total",
			Help: "Accumulator outcomes by persona and result",
		},
		[]string{"persona", "result"},
	)

	ActionsCommitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_actions_committed_total",
			Help: "Total number of actions committed by persona and kind",
		},
		[]string{"persona", "kind"},
	)

	UnresolvedExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_unresolved_expired_total",
			Help: "Unresolved entries discarded after the quorum TTL",
		},
		[]string{"persona"},
	)

	UnresolvedPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vault_unresolved_pending",
			Help: "Unresolved entries currently awaiting quorum",
		},
		[]string{"persona"},
	)

	AccountsHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vault_accounts_held",
			Help: "Number of accounts this vault is currently responsible for",
		},
	)

	AccountsTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_accounts_transferred_total",
			Help: "Accounts moved during churn by direction (in, out)",
		},
		[]string{"direction"},
	)

	StorageOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vault_storage_op_duration_seconds",
			Help:    "Account database operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

// Register registers all metrics with Prometheus
func Register() {
	prometheus.MustRegister(
		MessagesDispatched,
		MessagesDropped,
		AccumulatorResults,
		ActionsCommitted,
		UnresolvedExpired,
		UnresolvedPending,
		AccountsHeld,
		AccountsTransferred,
		StorageOpDuration,
	)
}

// Handler returns the HTTP handler for the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
