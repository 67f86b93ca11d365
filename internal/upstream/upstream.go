// Package upstream talks to the imagery-mosaic backend that actually
// builds mosaics and renders tiles. Everything in this package is about
// one HTTP round trip classified into an apperr.Kind the retry policy and
// circuit breaker can act on — it holds no cache or coalescing state of
// its own (that lives in internal/mosaiccache and internal/limiter).
package upstream

import (
	"context"
	"time"

	"github.com/lapig-ufg/tiles/internal/keyspace"
)

// MosaicHandle is what a successful BuildMosaic call returns: enough
// information for FetchTile to render any tile within the mosaic without
// rebuilding it.
type MosaicHandle struct {
	Key       keyspace.MosaicKey
	Reference string    // upstream's opaque handle/token for this mosaic
	ExpiresAt time.Time // when the upstream considers this handle stale
}

// Client is the upstream interface the mosaic cache and tile engine are
// built against.
type Client interface {
	// BuildMosaic asks upstream to assemble (or fetch a ready reference
	// to) the mosaic for key. This is the expensive call the single-flight
	// MosaicCache exists to amortise.
	BuildMosaic(ctx context.Context, key keyspace.MosaicKey) (MosaicHandle, error)

	// FetchTile renders one tile from an already-built mosaic.
	FetchTile(ctx context.Context, handle MosaicHandle, z, x, y int) ([]byte, error)
}
