package metastore

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// defaultProbeInterval bounds how often a degraded FailoverStore lets one
// call reach the primary directly, so a recovered Redis is noticed without
// a dedicated background goroutine.
const defaultProbeInterval = 5 * time.Second

// FailoverStore wraps a RedisStore and transparently routes every call to
// an in-process MemoryStore whenever Redis is currently marked degraded,
// so callers never have to special-case outage. Coordination correctness
// narrows from cluster-wide to per-process for the outage's duration,
// which is the explicit trade-off spec §9 calls for over disabling
// coalescing/rate-limiting outright. Because that trade-off is meant to be
// transient, route periodically sends one call to the primary even while
// degraded: RedisStore.noteOutcome clears the degraded flag on that call's
// success, recovering cluster-wide coordination without waiting for a
// process restart.
type FailoverStore struct {
	primary  *RedisStore
	fallback *MemoryStore
	logger   *slog.Logger

	probeInterval time.Duration
	lastProbe     atomic.Int64 // unix nanoseconds of the degraded window's last probe attempt, 0 when healthy
}

// NewFailoverStore builds the composed store. fallback may be nil, in
// which case a fresh MemoryStore is created.
func NewFailoverStore(primary *RedisStore, fallback *MemoryStore, logger *slog.Logger) *FailoverStore {
	if fallback == nil {
		fallback = NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FailoverStore{primary: primary, fallback: fallback, logger: logger, probeInterval: defaultProbeInterval}
}

// Degraded implements MetaStore.
func (f *FailoverStore) Degraded() bool { return f.primary.Degraded() }

// route sends calls to the fallback while primary is degraded, except for
// one call per probeInterval that is let through to primary so a recovered
// Redis clears the degraded flag on its own. The first call observed after
// degradation starts the probe clock rather than probing immediately, so a
// freshly-failed primary doesn't eat the very next request too.
func (f *FailoverStore) route() MetaStore {
	if !f.primary.Degraded() {
		f.lastProbe.Store(0)
		return f.primary
	}
	now := time.Now().UnixNano()
	last := f.lastProbe.Load()
	if last == 0 {
		f.lastProbe.CompareAndSwap(0, now)
		return f.fallback
	}
	if now-last >= f.probeInterval.Nanoseconds() && f.lastProbe.CompareAndSwap(last, now) {
		return f.primary
	}
	return f.fallback
}

// Get implements MetaStore.
func (f *FailoverStore) Get(ctx context.Context, key string) ([]byte, error) {
	return f.route().Get(ctx, key)
}

// Set implements MetaStore.
func (f *FailoverStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return f.route().Set(ctx, key, value, ttl)
}

// SetNX implements MetaStore.
func (f *FailoverStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return f.route().SetNX(ctx, key, value, ttl)
}

// Del implements MetaStore.
func (f *FailoverStore) Del(ctx context.Context, key string) error {
	return f.route().Del(ctx, key)
}

// IncrBucket implements MetaStore.
func (f *FailoverStore) IncrBucket(ctx context.Context, key string, cost, capacity, refillPerSecond int64, window time.Duration) (int64, bool, error) {
	return f.route().IncrBucket(ctx, key, cost, capacity, refillPerSecond, window)
}
