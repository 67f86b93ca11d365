package tileengine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lapig-ufg/tiles/internal/blobstore"
	"github.com/lapig-ufg/tiles/internal/keyspace"
	"github.com/lapig-ufg/tiles/internal/limiter"
	"github.com/lapig-ufg/tiles/internal/localcache"
	"github.com/lapig-ufg/tiles/internal/metastore"
	"github.com/lapig-ufg/tiles/internal/mosaiccache"
	"github.com/lapig-ufg/tiles/internal/upstream"
)

type fakeUpstream struct {
	mu        sync.Mutex
	tileCalls int32
	tileData  []byte
	tileWait  time.Duration
}

func (f *fakeUpstream) BuildMosaic(ctx context.Context, key keyspace.MosaicKey) (upstream.MosaicHandle, error) {
	return upstream.MosaicHandle{Key: key, Reference: "ref-" + key.String(), ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeUpstream) FetchTile(ctx context.Context, handle upstream.MosaicHandle, z, x, y int) ([]byte, error) {
	atomic.AddInt32(&f.tileCalls, 1)
	if f.tileWait > 0 {
		select {
		case <-time.After(f.tileWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tileData, nil
}

func testReq() keyspace.TileRequest {
	return keyspace.TileRequest{Layer: "s2_harmonized", Z: 10, X: 500, Y: 400, Period: "WET", Year: 2023, VisParam: "tvi-red"}
}

type allowAllChecker struct{}

func (allowAllChecker) Exists(name string) bool              { return true }
func (allowAllChecker) IsCompatible(layer, name string) bool { return true }

func newEngine(up *fakeUpstream, local *localcache.LRU, blob blobstore.BlobStore) *Engine {
	meta := metastore.NewMemoryStore()
	upstreamLimiter := limiter.NewUpstreamLimiter(limiter.UpstreamOptions{Concurrency: 10}, nil)
	return &Engine{
		Local:    local,
		Blob:     blob,
		Mosaics:  mosaiccache.New(meta, up, upstreamLimiter, mosaiccache.DefaultOptions()),
		Upstream: up,
		Limiter:  limiter.NewFetchLimiter(10),
		Checker:  allowAllChecker{},
	}
}

func TestServeColdMissRendersAndPopulatesTiers(t *testing.T) {
	up := &fakeUpstream{tileData: []byte("png-bytes")}
	local := localcache.New(1 << 20)
	blob, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	e := newEngine(up, local, blob)

	res, err := e.Serve(context.Background(), testReq())
	require.NoError(t, err)
	assert.Equal(t, TierMiss, res.Tier)
	assert.Equal(t, []byte("png-bytes"), res.Data)
	assert.Equal(t, int32(1), atomic.LoadInt32(&up.tileCalls))

	key, err := keyspace.Canonicalise(testReq(), e.Checker)
	require.NoError(t, err)
	cached, ok := local.Get(key.String())
	assert.True(t, ok)
	assert.Equal(t, []byte("png-bytes"), cached)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ok, _ := blob.Exists(context.Background(), keyspace.BlobPath(key)); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	exists, err := blob.Exists(context.Background(), keyspace.BlobPath(key))
	require.NoError(t, err)
	assert.True(t, exists, "async blobstore write should eventually land")
}

func TestServeConcurrentDuplicatesCoalesceToOneUpstreamCall(t *testing.T) {
	up := &fakeUpstream{tileData: []byte("png-bytes"), tileWait: 50 * time.Millisecond}
	local := localcache.New(1 << 20)
	blob, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	e := newEngine(up, local, blob)

	var wg sync.WaitGroup
	results := make([][]byte, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.Serve(context.Background(), testReq())
			require.NoError(t, err)
			results[i] = res.Data
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, []byte("png-bytes"), r)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&up.tileCalls), "concurrent duplicate requests must coalesce into a single upstream fetch")
}

func TestServeWarmHitIsLocalAndSkipsUpstream(t *testing.T) {
	up := &fakeUpstream{tileData: []byte("png-bytes")}
	local := localcache.New(1 << 20)
	blob, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	e := newEngine(up, local, blob)

	_, err = e.Serve(context.Background(), testReq())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&up.tileCalls))

	res, err := e.Serve(context.Background(), testReq())
	require.NoError(t, err)
	assert.Equal(t, TierLocal, res.Tier)
	assert.Equal(t, []byte("png-bytes"), res.Data)
	assert.Equal(t, int32(1), atomic.LoadInt32(&up.tileCalls), "a warm LocalCache hit must never reach upstream again")
}

func TestServeBlobHitRepopulatesLocalCacheWithoutUpstream(t *testing.T) {
	up := &fakeUpstream{tileData: []byte("png-bytes")}
	local := localcache.New(1 << 20)
	blob, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	key, err := keyspace.Canonicalise(testReq(), allowAllChecker{})
	require.NoError(t, err)
	require.NoError(t, blob.Put(context.Background(), keyspace.BlobPath(key), []byte("from-blob"), "image/png"))

	e := newEngine(up, local, blob)
	res, err := e.Serve(context.Background(), testReq())
	require.NoError(t, err)
	assert.Equal(t, TierBlob, res.Tier)
	assert.Equal(t, []byte("from-blob"), res.Data)
	assert.Equal(t, int32(0), atomic.LoadInt32(&up.tileCalls), "a BlobStore hit must never reach upstream")

	cached, ok := local.Get(key.String())
	assert.True(t, ok)
	assert.Equal(t, []byte("from-blob"), cached)
}

func TestServeRejectsInvalidRequestBeforeTouchingAnyTier(t *testing.T) {
	up := &fakeUpstream{tileData: []byte("png-bytes")}
	local := localcache.New(1 << 20)
	blob, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	e := newEngine(up, local, blob)

	bad := testReq()
	bad.Z = 99
	_, err = e.Serve(context.Background(), bad)
	require.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&up.tileCalls))
}
