// Package server wires the hot-path HTTP surface (§4.9, §6): the tile
// endpoint and the capabilities endpoint. It is adapted from the
// teacher's internal/server/ondemand_tiles.go's handler shape (CORS
// headers, per-request logging, Cache-Control stamping) generalised
// from serving a rendered PNG off disk to serving TileEngine.Serve's
// result with cache-tier and ETag semantics.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lapig-ufg/tiles/internal/apperr"
	"github.com/lapig-ufg/tiles/internal/keyspace"
	"github.com/lapig-ufg/tiles/internal/limiter"
	"github.com/lapig-ufg/tiles/internal/tileengine"
)

// TileRunner is the subset of tileengine.Engine the tile handler needs.
type TileRunner interface {
	Serve(ctx context.Context, req keyspace.TileRequest) (tileengine.Result, error)
}

// TilesConfig configures the tile HTTP handler.
type TilesConfig struct {
	// Edge is consulted before the request reaches TileEngine; nil disables
	// edge rate limiting (tests only — production always sets this).
	Edge *limiter.EdgeLimiter
	// Checker resolves visparam existence/compatibility for the ETag's
	// canonical key computation, mirroring the check TileEngine itself
	// performs — so a 304 and a 200 always agree on the tile's identity.
	Checker keyspace.VisParamChecker
}

// TilesHandler serves GET /api/layers/{layer}/{x}/{y}/{z} (§6).
type TilesHandler struct {
	engine  TileRunner
	edge    *limiter.EdgeLimiter
	checker keyspace.VisParamChecker
	logger  *slog.Logger
}

// NewTilesHandler builds a TilesHandler.
func NewTilesHandler(engine TileRunner, cfg TilesConfig, logger *slog.Logger) *TilesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TilesHandler{engine: engine, edge: cfg.Edge, checker: cfg.Checker, logger: logger}
}

func (h *TilesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := parseTileRequest(r)
	if err != nil {
		writeError(w, apperr.New(apperr.BadRequest, err))
		return
	}

	if h.edge != nil {
		identity := callerIdentity(r)
		decision, err := h.edge.Allow(r.Context(), identity)
		if err != nil {
			h.logger.Warn("edge limiter check failed, admitting request", "error", err)
		} else if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
			writeError(w, apperr.Throttle(decision.RetryAfter, fmt.Errorf("rate limit exceeded for %s", identity)))
			return
		}
	}

	key, err := keyspace.Canonicalise(req, h.checker)
	if err != nil {
		writeError(w, err)
		return
	}
	etag := `"` + tileETag(key) + `"`
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.Header().Set("ETag", etag)
		w.Header().Set("Cache-Control", "public, max-age=2592000, immutable")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	result, err := h.engine.Serve(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=2592000, immutable")
	w.Header().Set("X-Cache", string(result.Tier))
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func parseTileRequest(r *http.Request) (keyspace.TileRequest, error) {
	layer := chi.URLParam(r, "layer")
	x, errX := strconv.Atoi(chi.URLParam(r, "x"))
	y, errY := strconv.Atoi(chi.URLParam(r, "y"))
	z, errZ := strconv.Atoi(chi.URLParam(r, "z"))
	if errX != nil || errY != nil || errZ != nil {
		return keyspace.TileRequest{}, fmt.Errorf("x/y/z must be integers")
	}

	q := r.URL.Query()
	year, _ := strconv.Atoi(q.Get("year"))
	month, _ := strconv.Atoi(q.Get("month"))

	return keyspace.TileRequest{
		Layer:    layer,
		Z:        z,
		X:        x,
		Y:        y,
		Period:   q.Get("period"),
		Year:     year,
		Month:    month,
		VisParam: q.Get("visparam"),
	}, nil
}

// tileETag derives a strong ETag from the canonical TileKey, per §6:
// "strong ETag \"<tile-key-hash>\"". Hashed rather than used verbatim
// since TileKey.String() can contain characters an ETag quoted-string
// would need to escape.
func tileETag(key keyspace.TileKey) string {
	sum := sha256.Sum256([]byte(key.String()))
	return hex.EncodeToString(sum[:])[:16]
}

func callerIdentity(r *http.Request) string {
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if kind == apperr.Throttled {
		if ae, ok := err.(*apperr.Error); ok && ae.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(ae.RetryAfter.Seconds())+1))
		}
	}
	http.Error(w, err.Error(), status)
}
