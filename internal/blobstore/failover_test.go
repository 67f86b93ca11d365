package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobFailoverRoutesToPrimaryWhenHealthy(t *testing.T) {
	client := newFakeS3Client()
	primary := NewS3Store(nil, "bucket", nil)
	primary.client = client
	fallback := newTestLocalStore(t)

	f := NewFailoverStore(primary, fallback)
	ctx := context.Background()

	require.NoError(t, f.Put(ctx, "tiles/a.png", []byte("x"), "image/png"))
	assert.False(t, f.Degraded())

	_, err := fallback.Get(ctx, "tiles/a.png")
	assert.ErrorIs(t, err, ErrNotFound, "local fallback must stay untouched while primary is healthy")
}

func TestBlobFailoverRoutesToFallbackWhenDegraded(t *testing.T) {
	client := newFakeS3Client()
	client.failAll = true
	primary := NewS3Store(nil, "bucket", nil)
	primary.client = client
	fallback := newTestLocalStore(t)

	f := NewFailoverStore(primary, fallback)
	ctx := context.Background()

	_, err := primary.Get(ctx, "tiles/a.png")
	require.Error(t, err)
	assert.True(t, f.Degraded())

	require.NoError(t, f.Put(ctx, "tiles/a.png", []byte("x"), "image/png"))
	got, err := fallback.Get(ctx, "tiles/a.png")
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
}
