// Package metrics exposes the Prometheus counters/gauges served at
// /metrics, grounded on the promauto pattern used throughout the
// retrieved corpus for per-component instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_jobs_submitted_total",
		Help: "Total number of jobs submitted via the admin create endpoint.",
	})

	JobsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketplace_jobs_by_status",
		Help: "Current count of jobs in each status.",
	}, []string{"status"})

	AgentsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_agents_registered_total",
		Help: "Total number of agents registered.",
	})

	AgentsHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketplace_agents_healthy",
		Help: "Current count of agents considered healthy.",
	})

	SettlementAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_settlement_attempts_total",
		Help: "Settlement worker attempts, labeled by outcome.",
	}, []string{"outcome"})

	SettlementLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketplace_settlement_latency_seconds",
		Help:    "Time from job completion to payment confirmation.",
		Buckets: prometheus.DefBuckets,
	})

	WatchdogTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_watchdog_timeouts_total",
		Help: "Jobs reassigned by the watchdog due to timeout.",
	})

	WatchdogHealthLosses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_watchdog_health_losses_total",
		Help: "Jobs reassigned by the watchdog due to agent health loss.",
	})
)
