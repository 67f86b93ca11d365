package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/lapig-ufg/tiles/internal/visparam"
)

// CapabilitiesRegistry is the subset of visparam.Registry the capabilities
// handler needs.
type CapabilitiesRegistry interface {
	AllCapabilities() []visparam.Capabilities
	Version() int64
}

// CapabilitiesHandler serves GET /api/capabilities (§4.4, §6), holding a
// short-TTL in-process cache that is invalidated early whenever the
// registry's Version() changes, so a catalogue reload is visible well
// before the TTL would otherwise expire it.
type CapabilitiesHandler struct {
	registry CapabilitiesRegistry
	ttl      time.Duration

	mu          sync.Mutex
	cached      []byte
	cachedAt    time.Time
	cachedAtVer int64
}

// NewCapabilitiesHandler builds a CapabilitiesHandler. ttl <= 0 defaults
// to 10 seconds.
func NewCapabilitiesHandler(registry CapabilitiesRegistry, ttl time.Duration) *CapabilitiesHandler {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &CapabilitiesHandler{registry: registry, ttl: ttl}
}

func (h *CapabilitiesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := h.body()
	if err != nil {
		http.Error(w, "failed to encode capabilities", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(body)
}

func (h *CapabilitiesHandler) body() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	version := h.registry.Version()
	if h.cached != nil && version == h.cachedAtVer && time.Since(h.cachedAt) < h.ttl {
		return h.cached, nil
	}

	encoded, err := json.Marshal(h.registry.AllCapabilities())
	if err != nil {
		return nil, err
	}
	h.cached = encoded
	h.cachedAt = time.Now()
	h.cachedAtVer = version
	return encoded, nil
}
