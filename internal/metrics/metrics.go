// Package metrics holds the Prometheus instruments shared by the
// identification pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerState is the current breaker status per provider
	// (0=closed, 1=open, 2=half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plantid_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	// BreakerTransitions counts transitions by target state.
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantid_breaker_transitions_total",
			Help: "Total number of circuit breaker transitions",
		},
		[]string{"provider", "to"},
	)

	// ProviderCalls counts dispatched provider calls by outcome.
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantid_provider_calls_total",
			Help: "Total number of provider calls by outcome",
		},
		[]string{"provider", "outcome"},
	)

	// ProviderErrors counts classified provider failures.
	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantid_provider_errors_total",
			Help: "Total number of provider failures by kind",
		},
		[]string{"provider", "kind"},
	)

	// ProviderLatency tracks provider call latency.
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plantid_provider_latency_seconds",
			Help:    "Provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// CacheLookups counts result cache lookups by result (hit, miss, error).
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantid_cache_lookups_total",
			Help: "Total number of result cache lookups",
		},
		[]string{"backend", "result"},
	)

	// Identifications counts orchestrator outcomes.
	Identifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantid_identifications_total",
			Help: "Total number of identification requests by outcome",
		},
		[]string{"outcome"},
	)
)
