// Package limiter protects the upstream mosaic backend from overload at
// three points (§4.2, §4.8, §9): EdgeLimiter throttles inbound requests
// per identity before they ever reach the hot path, UpstreamLimiter
// bounds and paces the rare, expensive BuildMosaic call behind a circuit
// breaker, and FetchLimiter bounds the much higher-volume tile-fetch
// hot path with a plain semaphore, independent of the breaker/pacing.
package limiter

import (
	"context"
	"time"

	"github.com/lapig-ufg/tiles/internal/keyspace"
	"github.com/lapig-ufg/tiles/internal/metastore"
	"github.com/lapig-ufg/tiles/internal/metrics"
)

// EdgeOptions configures the per-identity token bucket (§6).
type EdgeOptions struct {
	RatePerMinute int
	Burst         int
}

// DefaultEdgeOptions returns the spec-mandated defaults.
func DefaultEdgeOptions() EdgeOptions {
	return EdgeOptions{RatePerMinute: 100_000, Burst: 10_000}
}

// EdgeLimiter is a MetaStore-backed token bucket keyed by caller
// identity (API key, IP, etc.), admitting or rejecting each request
// before it reaches validation/rendering.
type EdgeLimiter struct {
	store bucketIncrementer
	opts  EdgeOptions
}

// bucketIncrementer is the narrow MetaStore surface EdgeLimiter needs.
type bucketIncrementer interface {
	IncrBucket(ctx context.Context, key string, cost, capacity, refillPerSecond int64, window time.Duration) (int64, bool, error)
}

// NewEdgeLimiter builds an EdgeLimiter over meta (typically a
// metastore.FailoverStore, so a Redis outage degrades to per-process
// limiting rather than disabling admission control).
func NewEdgeLimiter(store metastore.MetaStore, opts EdgeOptions) *EdgeLimiter {
	return &EdgeLimiter{store: store, opts: opts}
}

// Decision is the outcome of an Allow check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Allow consumes one token from identity's bucket and reports whether
// the request may proceed.
func (l *EdgeLimiter) Allow(ctx context.Context, identity string) (Decision, error) {
	refillPerSecond := int64(l.opts.RatePerMinute) / 60
	if refillPerSecond < 1 {
		refillPerSecond = 1
	}
	remaining, allowed, err := l.store.IncrBucket(ctx, keyspace.BucketMetaKey(identity), 1, int64(l.opts.Burst), refillPerSecond, time.Minute)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Allowed: allowed, Remaining: remaining}
	if !allowed {
		d.RetryAfter = time.Second // one token refills within roughly 1/refillPerSecond seconds; one second is a conservative, simple hint
		metrics.EdgeThrottledTotal.Inc()
	}
	return d, nil
}
