package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lapig-ufg/tiles/internal/tileengine"
	"github.com/lapig-ufg/tiles/internal/visparam"
)

func TestRouterServesTilesCapabilitiesAndHealth(t *testing.T) {
	engine := &fakeTileEngine{result: tileengine.Result{Data: []byte("png"), Tier: tileengine.TierMiss}}
	tiles := NewTilesHandler(engine, TilesConfig{Checker: allowAllChecker{}}, nil)
	caps := NewCapabilitiesHandler(&fakeCapabilitiesRegistry{caps: []visparam.Capabilities{}}, time.Minute)

	router := Router(tiles, caps, time.Second, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/capabilities", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/layers/s2_harmonized/100/100/12?period=WET&year=2023&visparam=tvi-red", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
}
