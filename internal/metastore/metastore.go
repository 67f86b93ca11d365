// Package metastore provides the small-object coordination store the hot
// path depends on for mosaic-handle bookkeeping, single-flight elections,
// and rate-limit bucket counters (§5-6). It is backed by Redis in
// production and degrades to an in-process, non-shared store on outage
// rather than disabling coalescing or rate limiting (§9: "never fall
// back to zero coalescing").
package metastore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when key is absent (or expired).
var ErrNotFound = errors.New("metastore: key not found")

// MetaStore is the coordination-key interface the mosaic cache, rate
// limiter, and job engine are built against.
type MetaStore interface {
	// Get returns the raw value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key with the given TTL. ttl <= 0 means no
	// expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value at key only if key is currently absent,
	// reporting whether this call won the race. This is the primitive
	// the cross-process mosaic-build election (§5.2) is built on.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error

	// IncrBucket atomically applies one token-bucket refill-then-debit
	// step to key and returns the remaining token count and whether the
	// debit of cost tokens was admitted. capacity and refillPerSecond
	// parameterise the bucket; window bounds the key's TTL so idle
	// buckets are reclaimed.
	IncrBucket(ctx context.Context, key string, cost, capacity, refillPerSecond int64, window time.Duration) (remaining int64, allowed bool, err error)

	// Degraded reports whether this store is currently operating in its
	// degrade-open fallback mode (e.g. backing Redis is unreachable).
	Degraded() bool
}
