// Package metrics exposes Prometheus collectors for the search aggregator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agregador"

var (
	// SourceRequestsTotal counts outbound calls by source and outcome.
	SourceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_requests_total",
			Help:      "Total number of upstream source calls by outcome",
		},
		[]string{"source", "status"},
	)

	// SourceRequestDuration measures upstream call latency.
	SourceRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_request_duration_seconds",
			Help:      "Duration of upstream source calls in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8},
		},
		[]string{"source"},
	)

	// SearchesTotal counts searches by outcome (ok, degraded, failed, invalid).
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Total number of search requests by outcome",
		},
		[]string{"outcome"},
	)

	// SearchDuration measures end-to-end search latency.
	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Duration of search requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// CacheRequestsTotal counts cache lookups.
	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Total number of page cache lookups",
		},
		[]string{"result"},
	)

	// ActiveSessions tracks live pagination sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live pagination sessions",
		},
	)

	// BreakerState tracks per-source breaker state (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_breaker_state",
			Help:      "Circuit breaker state per source (0 closed, 1 half-open, 2 open)",
		},
		[]string{"source"},
	)
)

// RecordSourceCall records one outbound call.
func RecordSourceCall(source, status string, seconds float64) {
	SourceRequestsTotal.WithLabelValues(source, status).Inc()
	SourceRequestDuration.WithLabelValues(source).Observe(seconds)
}

// RecordSearch records a finished search.
func RecordSearch(outcome string, seconds float64) {
	SearchesTotal.WithLabelValues(outcome).Inc()
	SearchDuration.Observe(seconds)
}

// RecordCache records a cache hit or miss.
func RecordCache(hit bool) {
	if hit {
		CacheRequestsTotal.WithLabelValues("hit").Inc()
		return
	}
	CacheRequestsTotal.WithLabelValues("miss").Inc()
}

// SetBreakerState publishes the breaker state for a source.
func SetBreakerState(source string, state int) {
	BreakerState.WithLabelValues(source).Set(float64(state))
}
