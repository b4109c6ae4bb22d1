// Package metrics holds the Prometheus collectors for cache and provider traffic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheLookups counts cache lookups by outcome (hit, miss, stale, forced).
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudbridge_cache_lookups_total",
			Help: "Cost cache lookups by outcome",
		},
		[]string{"kind", "outcome"},
	)

	// CacheFetches counts fetches the cache actually ran, by result.
	CacheFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudbridge_cache_fetches_total",
			Help: "Fetches executed on behalf of the cost cache",
		},
		[]string{"kind", "result"},
	)

	// CacheSharedFetches counts callers that joined an in-flight fetch.
	CacheSharedFetches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudbridge_cache_shared_fetches_total",
			Help: "Callers served by an already in-flight fetch",
		},
	)

	// CacheEntries is the number of entries held in memory.
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudbridge_cache_entries",
			Help: "Cost cache entries held in memory",
		},
	)

	// ProviderRequests counts outbound provider requests by operation and outcome.
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudbridge_provider_requests_total",
			Help: "Outbound provider API requests",
		},
		[]string{"provider", "op", "outcome"},
	)

	// ProviderRequestDuration measures outbound request latency.
	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudbridge_provider_request_duration_seconds",
			Help:    "Outbound provider API request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "op"},
	)

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudbridge_provider_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
		},
		[]string{"provider"},
	)

	// JobRuns counts background job runs by result.
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudbridge_job_runs_total",
			Help: "Background job runs by result",
		},
		[]string{"job", "result"},
	)
)
