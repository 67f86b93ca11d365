package jobengine

import (
	"context"
	"sync"
	"time"

	"github.com/lapig-ufg/tiles/internal/apperr"
	"github.com/lapig-ufg/tiles/internal/keyspace"
	"github.com/lapig-ufg/tiles/internal/tile"
	"github.com/lapig-ufg/tiles/internal/tileengine"
)

// defaultWarmPointZooms is §4.10's zoom set when a warm-point request
// does not name one: "zooms {12,13,14}".
var defaultWarmPointZooms = []int{12, 13, 14}

// tileFailureBackoff is JobEngine's per-tile retry schedule (§4.10:
// "transient failures ... retried with exponential backoff up to 3
// attempts"), one level above TileEngine's own fetch-retry since a
// MosaicCache build failure can also be transient.
var tileFailureBackoff = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

// TileRunner is the subset of tileengine.Engine that job execution needs,
// narrowed for testability.
type TileRunner interface {
	Serve(ctx context.Context, req keyspace.TileRequest) (tileengine.Result, error)
}

// warmPointTileRequests enumerates every TileRequest a warm-point job
// must run, per §4.10: "enumerates the (x,y) tiles whose bounding boxes
// contain the point at each zoom".
func warmPointTileRequests(req WarmPointRequest) []keyspace.TileRequest {
	zooms := req.Zooms
	if len(zooms) == 0 {
		zooms = defaultWarmPointZooms
	}
	coords := tile.PointToTiles(req.Lon, req.Lat, zooms)
	return combineTileRequests(coords, req.Layers, req.Years, req.VisParams, req.Period, req.Month)
}

// warmRegionTileRequests enumerates every TileRequest a warm-region job
// must run, per §4.10: "tile enumeration via XYZ math over the bounding
// box at each zoom".
func warmRegionTileRequests(req WarmRegionRequest) []keyspace.TileRequest {
	coords := tile.TilesInBBox(req.BBox, req.ZoomMin, req.ZoomMax)
	return combineTileRequests(coords, req.Layers, req.Years, req.VisParams, req.Period, req.Month)
}

func combineTileRequests(coords []tile.Coords, layers []string, years []int, visparams []string, period string, month int) []keyspace.TileRequest {
	out := make([]keyspace.TileRequest, 0, len(coords)*len(layers)*len(years)*len(visparams))
	for _, layer := range layers {
		for _, year := range years {
			for _, vp := range visparams {
				for _, c := range coords {
					out = append(out, keyspace.TileRequest{
						Layer:    layer,
						Z:        int(c.Z),
						X:        int(c.X),
						Y:        int(c.Y),
						Period:   period,
						Year:     year,
						Month:    month,
						VisParam: vp,
					})
				}
			}
		}
	}
	return out
}

// batchOutcome is one tile request's result, used to update Counters.
type batchOutcome struct {
	failed bool
}

// runTileBatch runs reqs through runner with up to concurrency workers,
// retrying UpstreamTransient/Timeout failures per tileFailureBackoff and
// counting every other outcome as a permanent per-tile failure. It
// reports each completed tile via onTile so the caller can update a
// JobRecord's progress/counters incrementally.
func runTileBatch(ctx context.Context, runner TileRunner, reqs []keyspace.TileRequest, concurrency int, onTile func(batchOutcome)) {
	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > len(reqs) {
		concurrency = len(reqs)
	}
	if concurrency == 0 {
		return
	}

	work := make(chan keyspace.TileRequest, len(reqs))
	for _, r := range reqs {
		work <- r
	}
	close(work)

	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range work {
				outcome := runOneTileWithRetry(ctx, runner, req)
				mu.Lock()
				onTile(outcome)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func runOneTileWithRetry(ctx context.Context, runner TileRunner, req keyspace.TileRequest) batchOutcome {
	var lastErr error
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return batchOutcome{failed: true}
		default:
		}

		_, err := runner.Serve(ctx, req)
		if err == nil {
			return batchOutcome{failed: false}
		}
		lastErr = err

		kind := apperr.KindOf(err)
		transient := kind == apperr.UpstreamTransient || kind == apperr.Timeout || kind == apperr.Throttled
		if !transient || attempt >= len(tileFailureBackoff) {
			_ = lastErr
			return batchOutcome{failed: true}
		}
		select {
		case <-time.After(tileFailureBackoff[attempt]):
		case <-ctx.Done():
			return batchOutcome{failed: true}
		}
	}
}
