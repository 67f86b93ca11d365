package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestLocalStorePutGetRoundTrip(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tiles/a/6/1/1.png", []byte("data"), "image/png"))
	got, err := store.Get(ctx, "tiles/a/6/1/1.png")
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
}

func TestLocalStoreGetMissing(t *testing.T) {
	store := newTestLocalStore(t)
	_, err := store.Get(context.Background(), "tiles/missing.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreRejectsPathEscape(t *testing.T) {
	store := newTestLocalStore(t)
	err := store.Put(context.Background(), "../escape.png", []byte("x"), "image/png")
	assert.Error(t, err)
}

func TestLocalStoreDeletePrefix(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tiles/landsat/WET/2024/vis/6/1/1.png", []byte("a"), "image/png"))
	require.NoError(t, store.Put(ctx, "tiles/landsat/DRY/2024/vis/6/1/1.png", []byte("b"), "image/png"))
	require.NoError(t, store.Put(ctx, "tiles/s2/WET/2024/vis/6/1/1.png", []byte("c"), "image/png"))

	removed, err := store.DeletePrefix(ctx, "tiles/landsat/")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	ok, err := store.Exists(ctx, "tiles/s2/WET/2024/vis/6/1/1.png")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalStoreDeletePrefixMissingIsNotAnError(t *testing.T) {
	store := newTestLocalStore(t)
	removed, err := store.DeletePrefix(context.Background(), "tiles/nothing/")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestLocalStorePutCreatesNestedDirs(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), "tiles/a/b/c/1.png", []byte("x"), "image/png"))
	_, statErr := os.Stat(filepath.Join(dir, "tiles/a/b/c/1.png"))
	require.NoError(t, statErr)
}
