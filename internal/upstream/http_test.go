package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lapig-ufg/tiles/internal/apperr"
	"github.com/lapig-ufg/tiles/internal/keyspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() keyspace.MosaicKey {
	return keyspace.MosaicKey{Layer: "s2_harmonized", Period: keyspace.PeriodWet, Year: 2023, VisParam: "tvi-red"}
}

func TestBuildMosaicSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		json.NewEncoder(w).Encode(buildMosaicResponse{Reference: "ref-123", ExpiresIn: 3600})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil, nil)
	handle, err := client.BuildMosaic(context.Background(), testKey())
	require.NoError(t, err)
	assert.Equal(t, "ref-123", handle.Reference)
	assert.True(t, handle.ExpiresAt.After(time.Now()))
}

func TestBuildMosaicThrottled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil, nil)
	_, err := client.BuildMosaic(context.Background(), testKey())
	require.Error(t, err)
	assert.Equal(t, apperr.Throttled, apperr.KindOf(err))

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 5*time.Second, appErr.RetryAfter)
}

func TestBuildMosaicServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil, nil)
	_, err := client.BuildMosaic(context.Background(), testKey())
	assert.Equal(t, apperr.UpstreamTransient, apperr.KindOf(err))
}

func TestBuildMosaicClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil, nil)
	_, err := client.BuildMosaic(context.Background(), testKey())
	assert.Equal(t, apperr.UpstreamPermanent, apperr.KindOf(err))
}

func TestFetchTileSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/v1/mosaics/ref-123/tiles/12/100/100.png")
		w.Write([]byte("pngbytes"))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil, nil)
	data, err := client.FetchTile(context.Background(), MosaicHandle{Reference: "ref-123"}, 12, 100, 100)
	require.NoError(t, err)
	assert.Equal(t, "pngbytes", string(data))
}

func TestFetchTileContextDeadlineIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("too-late"))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := client.FetchTile(ctx, MosaicHandle{Reference: "ref-123"}, 1, 0, 0)
	require.Error(t, err)
	assert.Equal(t, apperr.Timeout, apperr.KindOf(err))
}
