package limiter

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/lapig-ufg/tiles/internal/apperr"
)

// FetchLimiter bounds tile-fetch concurrency with a plain semaphore: no
// pacing, no circuit breaker. Tile fetches are the hot path (§1: "millions
// of tile requests per second") and must not be serialized behind
// BuildMosaic's paced, breaker-guarded upstream protection — §4.8/§5 scope
// the semaphore+pacing+breaker to the rare, expensive mosaic build only,
// so FetchLimiter exists to give the fetch path its own, much wider,
// concurrency cap instead of sharing UpstreamLimiter's.
type FetchLimiter struct {
	sem *semaphore.Weighted
}

// NewFetchLimiter builds a FetchLimiter with the given concurrency width.
func NewFetchLimiter(concurrency int) *FetchLimiter {
	return &FetchLimiter{sem: semaphore.NewWeighted(int64(concurrency))}
}

// Do runs fn while holding one of the limiter's permits.
func (l *FetchLimiter) Do(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, apperr.New(apperr.Timeout, fmt.Errorf("limiter: acquire fetch slot: %w", err))
	}
	defer l.sem.Release(1)
	return fn(ctx)
}
