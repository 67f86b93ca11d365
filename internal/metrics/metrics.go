// Package metrics registers the Prometheus collectors the tile server
// exposes for cache efficiency, upstream health, and job-queue depth.
// Naming and package-level-var-plus-WithLabelValues shape follows the
// pack's metrics packages (counters/histograms registered once at
// package init, recorded from call sites via small Record* helpers).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CacheLookupsTotal counts every tile lookup by the tier that resolved
// it: LOCAL, HIT (BlobStore), or MISS (neither tier had the tile).
var CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tiles",
	Name:      "cache_lookups_total",
	Help:      "Tile lookups by resolving cache tier.",
}, []string{"tier"})

// MosaicBuildsTotal counts mosaic builds by outcome (success/failure),
// distinguishing a freshly-built mosaic from one served out of MetaStore.
var MosaicBuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tiles",
	Name:      "mosaic_builds_total",
	Help:      "Mosaic builds attempted, by outcome.",
}, []string{"outcome"})

// UpstreamRequestDuration records wall-clock time spent on a single
// upstream HTTP call (mosaic build or tile fetch), by call kind.
var UpstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tiles",
	Name:      "upstream_request_duration_seconds",
	Help:      "Upstream HTTP request duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"kind"})

// CircuitBreakerState mirrors gobreaker's current state as a gauge:
// 0=closed, 1=half-open, 2=open, matching gobreaker.State's own iota
// ordering so the gauge value can be compared directly against it.
var CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "tiles",
	Name:      "upstream_circuit_breaker_state",
	Help:      "Upstream circuit breaker state (0=closed, 1=half-open, 2=open).",
})

// EdgeThrottledTotal counts requests the edge limiter rejected.
var EdgeThrottledTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tiles",
	Name:      "edge_throttled_total",
	Help:      "Requests rejected by the edge rate limiter.",
})

// JobQueueDepth reports the current pending-message count per priority
// queue, sampled by JobEngine's Pool on each dequeue cycle.
var JobQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "tiles",
	Name:      "job_queue_depth",
	Help:      "Pending messages per job priority queue.",
}, []string{"priority"})

// JobsCompletedTotal counts finished jobs by kind and terminal state.
var JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tiles",
	Name:      "jobs_completed_total",
	Help:      "Completed jobs by kind and terminal state.",
}, []string{"kind", "state"})

// RecordCacheLookup records one tile lookup resolved at tier.
func RecordCacheLookup(tier string) {
	CacheLookupsTotal.WithLabelValues(tier).Inc()
}

// RecordMosaicBuild records one mosaic build attempt's outcome.
func RecordMosaicBuild(outcome string) {
	MosaicBuildsTotal.WithLabelValues(outcome).Inc()
}

// RecordUpstreamRequest records duration spent on an upstream call of
// the given kind ("mosaic" or "tile").
func RecordUpstreamRequest(kind string, duration time.Duration) {
	UpstreamRequestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordJobCompletion records one job's terminal outcome.
func RecordJobCompletion(kind, state string) {
	JobsCompletedTotal.WithLabelValues(kind, state).Inc()
}
