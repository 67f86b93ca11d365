package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Router builds the public-facing mux: the tile endpoint, the
// capabilities endpoint, and a liveness probe. Adapted from the
// teacher's withCORS wrapper in internal/cmd/serve.go, generalised from
// an ad hoc header-setting closure to go-chi/cors's policy object and
// from http.ServeMux to chi so path parameters ({layer}/{x}/{y}/{z})
// don't need hand-rolled parsing.
func Router(tiles http.Handler, capabilities http.Handler, requestDeadline time.Duration, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-API-Key", "If-None-Match"},
		MaxAge:         300,
	}))
	if requestDeadline > 0 {
		r.Use(middleware.Timeout(requestDeadline))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/layers/{layer}/{x}/{y}/{z}", tiles.ServeHTTP)
	r.Get("/api/capabilities", capabilities.ServeHTTP)

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
