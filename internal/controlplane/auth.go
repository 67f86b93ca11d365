// Package controlplane implements the administrative surface named in
// §4.11: cache inspection/invalidation/warmup and job/task inspection,
// all behind HTTP Basic Auth against an external user store and gated on
// a super-admin role. Routing follows the same go-chi/v5 shape
// internal/server/router.go uses for the public surface.
package controlplane

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// UserStore authenticates a Basic Auth credential pair and reports the
// caller's role. It is an external collaborator (§3's pattern for
// CampaignStore): this package only ever calls Authenticate, never
// manages account lifecycle.
type UserStore interface {
	Authenticate(username, password string) (role string, ok bool)
}

// StaticUserStore is a single-operator UserStore backed by one configured
// username and bcrypt password hash, for deployments with no separate
// identity service. Grounded on the bcrypt-compare pattern from the
// pack's web-admin login handler, generalised from a cookie-session login
// page to a stateless per-request Basic Auth check.
type StaticUserStore struct {
	Username     string
	PasswordHash string
	Role         string
}

// Authenticate implements UserStore.
func (s StaticUserStore) Authenticate(username, password string) (string, bool) {
	if s.Username == "" || s.PasswordHash == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(s.Username)) != 1 {
		return "", false
	}
	if bcrypt.CompareHashAndPassword([]byte(s.PasswordHash), []byte(password)) != nil {
		return "", false
	}
	return s.Role, true
}

// requireRole builds middleware that rejects with 401 (no/invalid
// credentials) or 403 (authenticated but wrong role) before next runs,
// matching apperr's Unauthorized/Forbidden kinds (§7).
func requireRole(users UserStore, role string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="tiles-admin"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			gotRole, ok := users.Authenticate(username, password)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="tiles-admin"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if gotRole != role {
				logger.Warn("controlplane: role mismatch", "username", username, "have", gotRole, "want", role)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
