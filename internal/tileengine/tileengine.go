// Package tileengine implements the tile request hot path (§5): validate
// -> key -> LocalCache -> BlobStore -> MosaicCache -> upstream fetch ->
// store -> respond. It is adapted from the teacher's on-demand tile
// handler (per-key locking, double-checked cache, semaphore-bound
// concurrency), generalised to use golang.org/x/sync/singleflight
// instead of a sync.Map of mutexes and to sit atop the mosaic-level
// coalescer rather than render tiles directly.
package tileengine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lapig-ufg/tiles/internal/apperr"
	"github.com/lapig-ufg/tiles/internal/blobstore"
	"github.com/lapig-ufg/tiles/internal/keyspace"
	"github.com/lapig-ufg/tiles/internal/limiter"
	"github.com/lapig-ufg/tiles/internal/localcache"
	"github.com/lapig-ufg/tiles/internal/metrics"
	"github.com/lapig-ufg/tiles/internal/mosaiccache"
	"github.com/lapig-ufg/tiles/internal/upstream"
)

// CacheTier names which tier satisfied a request, surfaced as the
// X-Cache response header.
type CacheTier string

const (
	TierLocal CacheTier = "LOCAL"
	TierBlob  CacheTier = "HIT"
	TierMiss  CacheTier = "MISS"
)

// Result is what Serve returns on success.
type Result struct {
	Data []byte
	Tier CacheTier
}

// Engine wires every tile-serving tier together.
type Engine struct {
	Local    *localcache.LRU
	Blob     blobstore.BlobStore
	Mosaics  *mosaiccache.Cache
	Upstream upstream.Client
	Limiter  *limiter.FetchLimiter
	Checker  keyspace.VisParamChecker
	Logger   *slog.Logger

	flight singleflight.Group
}

// Serve runs req through the full pipeline and returns the tile bytes.
func (e *Engine) Serve(ctx context.Context, req keyspace.TileRequest) (Result, error) {
	key, err := keyspace.Canonicalise(req, e.Checker)
	if err != nil {
		return Result{}, err
	}
	cacheKey := key.String()

	if data, ok := e.Local.Get(cacheKey); ok {
		metrics.RecordCacheLookup(string(TierLocal))
		return Result{Data: data, Tier: TierLocal}, nil
	}

	blobPath := keyspace.BlobPath(key)
	if data, err := e.Blob.Get(ctx, blobPath); err == nil {
		e.Local.Set(cacheKey, data)
		metrics.RecordCacheLookup(string(TierBlob))
		return Result{Data: data, Tier: TierBlob}, nil
	} else if err != blobstore.ErrNotFound {
		e.logger().Warn("tileengine: blobstore read failed, falling through to render", "key", cacheKey, "error", err)
	}

	v, err, _ := e.flight.Do(cacheKey, func() (any, error) {
		return e.render(ctx, key, blobPath)
	})
	if err != nil {
		return Result{}, err
	}
	metrics.RecordCacheLookup(string(TierMiss))
	return Result{Data: v.([]byte), Tier: TierMiss}, nil
}

// tileFetchBackoff is the delay before each retry of a Transient tile
// fetch failure (§4.9 step 6: "backoff 100ms -> 300ms"). A Permanent
// failure is never retried.
var tileFetchBackoff = []time.Duration{100 * time.Millisecond, 300 * time.Millisecond}

func (e *Engine) render(ctx context.Context, key keyspace.TileKey, blobPath string) ([]byte, error) {
	handle, err := e.Mosaics.Get(ctx, keyspace.MosaicOf(key))
	if err != nil {
		return nil, err
	}

	data, err := e.fetchWithRetry(ctx, handle, key)
	if err != nil {
		return nil, err
	}

	cacheKey := key.String()
	e.Local.Set(cacheKey, data)

	// BlobStore writes happen off the response path: a slow or degraded
	// durable tier must never add latency to a cold miss that has
	// already paid the upstream round trip.
	go func() {
		putCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Blob.Put(putCtx, blobPath, data, "image/png"); err != nil {
			e.logger().Warn("tileengine: async blobstore write failed", "path", blobPath, "error", err)
		}
	}()

	return data, nil
}

// fetchWithRetry issues one FetchLimiter-gated fetch, retrying up to
// len(tileFetchBackoff) more times on UpstreamTransient per §4.9 step 6.
// UpstreamPermanent and every other kind return immediately.
func (e *Engine) fetchWithRetry(ctx context.Context, handle upstream.MosaicHandle, key keyspace.TileKey) ([]byte, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		started := time.Now()
		v, err := e.Limiter.Do(ctx, func(ctx context.Context) (any, error) {
			return e.Upstream.FetchTile(ctx, handle, key.Z, key.X, key.Y)
		})
		metrics.RecordUpstreamRequest("tile", time.Since(started))
		if err == nil {
			return v.([]byte), nil
		}
		lastErr = err
		if apperr.KindOf(err) != apperr.UpstreamTransient || attempt >= len(tileFetchBackoff) {
			return nil, lastErr
		}
		select {
		case <-time.After(tileFetchBackoff[attempt]):
		case <-ctx.Done():
			return nil, apperr.New(apperr.Timeout, ctx.Err())
		}
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// HTTPStatus exposes apperr's status mapping so HTTP handlers don't need
// to import apperr directly just to translate a Serve error.
func HTTPStatus(err error) int { return apperr.HTTPStatus(apperr.KindOf(err)) }
