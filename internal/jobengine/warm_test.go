package jobengine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lapig-ufg/tiles/internal/apperr"
	"github.com/lapig-ufg/tiles/internal/keyspace"
	"github.com/lapig-ufg/tiles/internal/tileengine"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    int32
	failWith error // returned on every call unless failAttempts is set
	// failAttempts, when non-zero, makes the first N calls per distinct
	// key fail with failWith, then succeed.
	failAttempts int
	attemptsByZ  map[int]int
}

func (f *fakeRunner) Serve(ctx context.Context, req keyspace.TileRequest) (tileengine.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.failAttempts > 0 {
		f.mu.Lock()
		if f.attemptsByZ == nil {
			f.attemptsByZ = make(map[int]int)
		}
		f.attemptsByZ[req.Z]++
		n := f.attemptsByZ[req.Z]
		f.mu.Unlock()
		if n <= f.failAttempts {
			return tileengine.Result{}, f.failWith
		}
		return tileengine.Result{Tier: tileengine.TierMiss, Data: []byte("png")}, nil
	}
	if f.failWith != nil {
		return tileengine.Result{}, f.failWith
	}
	return tileengine.Result{Tier: tileengine.TierMiss, Data: []byte("png")}, nil
}

func TestWarmPointTileRequestsEnumeratesDefaultZooms(t *testing.T) {
	req := WarmPointRequest{
		Lat: -16.6, Lon: -49.3,
		Layers:    []string{"s2_harmonized"},
		Years:     []int{2023},
		VisParams: []string{"tvi-red"},
		Period:    "WET",
	}
	reqs := warmPointTileRequests(req)
	assert.Len(t, reqs, len(defaultWarmPointZooms))

	seenZ := map[int]bool{}
	for _, r := range reqs {
		seenZ[r.Z] = true
		assert.Equal(t, "s2_harmonized", r.Layer)
		assert.Equal(t, 2023, r.Year)
		assert.Equal(t, "tvi-red", r.VisParam)
		assert.Equal(t, "WET", r.Period)
	}
	for _, z := range defaultWarmPointZooms {
		assert.True(t, seenZ[z])
	}
}

func TestWarmRegionTileRequestsCoversEveryZoomInRange(t *testing.T) {
	req := WarmRegionRequest{
		BBox:      [4]float64{-49.4, -16.7, -49.2, -16.5},
		Layers:    []string{"landsat"},
		Years:     []int{2022},
		VisParams: []string{"ndvi"},
		Period:    "DRY",
		ZoomMin:   12,
		ZoomMax:   13,
	}
	reqs := warmRegionTileRequests(req)
	require.NotEmpty(t, reqs)

	seenZ := map[int]bool{}
	for _, r := range reqs {
		seenZ[r.Z] = true
	}
	assert.True(t, seenZ[12])
	assert.True(t, seenZ[13])
}

func TestRunTileBatchCountsSuccessesAndFailures(t *testing.T) {
	runner := &fakeRunner{failWith: nil}
	reqs := make([]keyspace.TileRequest, 5)
	for i := range reqs {
		reqs[i] = keyspace.TileRequest{Layer: "s2_harmonized", Z: 12, X: i, Y: i, Period: "WET", Year: 2023, VisParam: "tvi-red"}
	}

	var done, failed int
	var mu sync.Mutex
	runTileBatch(context.Background(), runner, reqs, 3, func(o batchOutcome) {
		mu.Lock()
		defer mu.Unlock()
		if o.failed {
			failed++
		} else {
			done++
		}
	})

	assert.Equal(t, 5, done)
	assert.Equal(t, 0, failed)
	assert.EqualValues(t, 5, runner.calls)
}

func TestRunOneTileWithRetryRetriesTransientThenSucceeds(t *testing.T) {
	runner := &fakeRunner{failWith: apperr.New(apperr.UpstreamTransient, assert.AnError), failAttempts: 2}
	outcome := runOneTileWithRetry(context.Background(), runner, keyspace.TileRequest{Z: 12})
	assert.False(t, outcome.failed)
	assert.GreaterOrEqual(t, runner.calls, int32(3))
}

func TestRunOneTileWithRetryDoesNotRetryPermanentFailures(t *testing.T) {
	runner := &fakeRunner{failWith: apperr.New(apperr.UpstreamPermanent, assert.AnError)}
	outcome := runOneTileWithRetry(context.Background(), runner, keyspace.TileRequest{Z: 12})
	assert.True(t, outcome.failed)
	assert.EqualValues(t, 1, runner.calls)
}

func TestRunOneTileWithRetryGivesUpAfterExhaustingBackoffSchedule(t *testing.T) {
	runner := &fakeRunner{failWith: apperr.New(apperr.UpstreamTransient, assert.AnError)}
	outcome := runOneTileWithRetry(context.Background(), runner, keyspace.TileRequest{Z: 12})
	assert.True(t, outcome.failed)
	assert.EqualValues(t, len(tileFailureBackoff)+1, runner.calls)
}
