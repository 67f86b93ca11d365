// Package mosaiccache amortises upstream's expensive mosaic-build call
// across every request sharing a MosaicKey, through two coalescing
// layers (§5.2, §9): an in-process golang.org/x/sync/singleflight.Group
// collapses concurrent callers in this process into one build, and a
// MetaStore SETNX election ensures at most one process across the fleet
// is building a given key at a time. A MosaicKey moves through
// absent -> BUILDING -> {READY, FAILED} -> absent as its election and
// cool-down markers expire.
package mosaiccache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lapig-ufg/tiles/internal/apperr"
	"github.com/lapig-ufg/tiles/internal/keyspace"
	"github.com/lapig-ufg/tiles/internal/limiter"
	"github.com/lapig-ufg/tiles/internal/metastore"
	"github.com/lapig-ufg/tiles/internal/metrics"
	"github.com/lapig-ufg/tiles/internal/upstream"
)

// Options configures the cache's timing parameters (§6).
type Options struct {
	MosaicTTL   time.Duration // how long a READY handle is trusted before rebuild
	ElectionTTL time.Duration // how long a builder holds the election, and the longest a loser will poll
	CoolDownTTL time.Duration // how long a FAILED marker blocks retries
}

// DefaultOptions returns the spec-mandated defaults.
func DefaultOptions() Options {
	return Options{
		MosaicTTL:   24 * time.Hour,
		ElectionTTL: 60 * time.Second,
		CoolDownTTL: 15 * time.Second,
	}
}

// Cache is the two-layer single-flight mosaic coalescer.
type Cache struct {
	meta     metastore.MetaStore
	upstream upstream.Client
	limiter  *limiter.UpstreamLimiter
	opts     Options
	flight   singleflight.Group
}

// New builds a Cache over meta and upstream. upstreamLimiter gates
// BuildMosaic with the semaphore+pacing+circuit-breaker protection spec
// §4.8/§5 reserve for the rare, expensive mosaic build — never the
// tile-fetch hot path, which uses its own, much wider, FetchLimiter.
func New(meta metastore.MetaStore, upstreamClient upstream.Client, upstreamLimiter *limiter.UpstreamLimiter, opts Options) *Cache {
	return &Cache{meta: meta, upstream: upstreamClient, limiter: upstreamLimiter, opts: opts}
}

type storedHandle struct {
	Reference string    `json:"reference"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Get returns a ready-to-use MosaicHandle for key, building it (or
// waiting for a concurrent build to finish) as needed.
func (c *Cache) Get(ctx context.Context, key keyspace.MosaicKey) (upstream.MosaicHandle, error) {
	if handle, ok, err := c.readReady(ctx, key); err != nil {
		return upstream.MosaicHandle{}, err
	} else if ok {
		return handle, nil
	}

	if failed, err := c.meta.Get(ctx, keyspace.FailedMetaKey(key)); err == nil && failed != nil {
		return upstream.MosaicHandle{}, apperr.New(apperr.UpstreamTransient, fmt.Errorf("mosaiccache: %s is in cool-down after a recent failure", key.String()))
	}

	v, err, _ := c.flight.Do(key.String(), func() (any, error) {
		return c.buildOrAwait(ctx, key)
	})
	if err != nil {
		return upstream.MosaicHandle{}, err
	}
	return v.(upstream.MosaicHandle), nil
}

func (c *Cache) readReady(ctx context.Context, key keyspace.MosaicKey) (upstream.MosaicHandle, bool, error) {
	raw, err := c.meta.Get(ctx, keyspace.MosaicMetaKey(key))
	if err == metastore.ErrNotFound {
		return upstream.MosaicHandle{}, false, nil
	}
	if err != nil {
		return upstream.MosaicHandle{}, false, apperr.New(apperr.Internal, fmt.Errorf("mosaiccache: read %s: %w", key.String(), err))
	}

	var sh storedHandle
	if err := json.Unmarshal(raw, &sh); err != nil {
		return upstream.MosaicHandle{}, false, apperr.New(apperr.Internal, fmt.Errorf("mosaiccache: decode %s: %w", key.String(), err))
	}
	if time.Now().After(sh.ExpiresAt) {
		return upstream.MosaicHandle{}, false, nil
	}
	return upstream.MosaicHandle{Key: key, Reference: sh.Reference, ExpiresAt: sh.ExpiresAt}, true, nil
}

// buildOrAwait runs once per (process, key) concurrency window courtesy
// of singleflight: it first tries to win the cross-process election; the
// winner builds, every loser polls for the winner's result.
func (c *Cache) buildOrAwait(ctx context.Context, key keyspace.MosaicKey) (upstream.MosaicHandle, error) {
	won, err := c.meta.SetNX(ctx, keyspace.CoalesceMetaKey(key), []byte("1"), c.opts.ElectionTTL)
	if err != nil {
		return upstream.MosaicHandle{}, apperr.New(apperr.Internal, fmt.Errorf("mosaiccache: election for %s: %w", key.String(), err))
	}
	if won {
		return c.build(ctx, key)
	}
	return c.awaitBuild(ctx, key)
}

func (c *Cache) build(ctx context.Context, key keyspace.MosaicKey) (upstream.MosaicHandle, error) {
	started := time.Now()
	v, err := c.limiter.Do(ctx, func(ctx context.Context) (any, error) {
		return c.upstream.BuildMosaic(ctx, key)
	})
	metrics.RecordUpstreamRequest("mosaic", time.Since(started))
	if err != nil {
		metrics.RecordMosaicBuild("failure")
		_ = c.meta.Set(ctx, keyspace.FailedMetaKey(key), []byte("1"), c.opts.CoolDownTTL)
		_ = c.meta.Del(ctx, keyspace.CoalesceMetaKey(key))
		return upstream.MosaicHandle{}, err
	}
	handle := v.(upstream.MosaicHandle)
	metrics.RecordMosaicBuild("success")

	sh := storedHandle{Reference: handle.Reference, ExpiresAt: time.Now().Add(c.opts.MosaicTTL)}
	raw, marshalErr := json.Marshal(sh)
	if marshalErr != nil {
		_ = c.meta.Del(ctx, keyspace.CoalesceMetaKey(key))
		return upstream.MosaicHandle{}, apperr.New(apperr.Internal, fmt.Errorf("mosaiccache: encode %s: %w", key.String(), marshalErr))
	}
	handle.Key = key
	handle.ExpiresAt = sh.ExpiresAt

	if err := c.meta.Set(ctx, keyspace.MosaicMetaKey(key), raw, c.opts.MosaicTTL); err != nil {
		_ = c.meta.Del(ctx, keyspace.CoalesceMetaKey(key))
		return upstream.MosaicHandle{}, apperr.New(apperr.Internal, fmt.Errorf("mosaiccache: persist %s: %w", key.String(), err))
	}
	_ = c.meta.Del(ctx, keyspace.CoalesceMetaKey(key))
	return handle, nil
}

// awaitBuild polls for the election winner's result with bounded
// exponential backoff (50ms -> 500ms, capped by ElectionTTL overall),
// the shape the spec's "losers poll" coalescing description calls for.
func (c *Cache) awaitBuild(ctx context.Context, key keyspace.MosaicKey) (upstream.MosaicHandle, error) {
	deadline := time.Now().Add(c.opts.ElectionTTL)
	backoff := 50 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	for {
		if handle, ok, err := c.readReady(ctx, key); err != nil {
			return upstream.MosaicHandle{}, err
		} else if ok {
			return handle, nil
		}

		if raw, err := c.meta.Get(ctx, keyspace.FailedMetaKey(key)); err == nil && raw != nil {
			return upstream.MosaicHandle{}, apperr.New(apperr.UpstreamTransient, fmt.Errorf("mosaiccache: build for %s failed while awaiting result", key.String()))
		}

		if time.Now().After(deadline) {
			return upstream.MosaicHandle{}, apperr.New(apperr.Timeout, fmt.Errorf("mosaiccache: timed out waiting for %s to build", key.String()))
		}

		select {
		case <-ctx.Done():
			return upstream.MosaicHandle{}, apperr.New(apperr.Timeout, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
