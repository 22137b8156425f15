package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ElectrumCallsTotal tracks Electrum requests per endpoint and method
	ElectrumCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distributor_electrum_calls_total",
			Help: "Total number of Electrum requests",
		},
		[]string{"endpoint", "method"},
	)

	// ElectrumErrorsTotal tracks failed Electrum requests by transport reason
	ElectrumErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distributor_electrum_errors_total",
			Help: "Total number of failed Electrum requests",
		},
		[]string{"endpoint", "reason"},
	)

	// ElectrumLatency tracks Electrum request latency
	ElectrumLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "distributor_electrum_latency_seconds",
			Help:    "Electrum request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// SessionsBuilt tracks network session builds by result
	SessionsBuilt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distributor_sessions_built_total",
			Help: "Total number of network session builds",
		},
		[]string{"result"},
	)

	// DistributionAttempts tracks individual distribution attempts by outcome
	DistributionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distributor_distribution_attempts_total",
			Help: "Total number of distribution attempts",
		},
		[]string{"outcome"},
	)

	// DistributionRuns tracks terminal states of distribution runs
	DistributionRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distributor_distribution_runs_total",
			Help: "Total number of distribution runs by terminal state",
		},
		[]string{"state"},
	)

	// Reconnects tracks session rebuilds triggered by transport failures
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "distributor_reconnects_total",
			Help: "Total number of network session rebuilds after transport failures",
		},
	)

	// WalletOperations tracks wallet lifecycle operations
	WalletOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distributor_wallet_operations_total",
			Help: "Total number of wallet operations",
		},
		[]string{"operation", "result"},
	)
)
