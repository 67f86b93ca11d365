// Package jobengine is the asynchronous cache-warming orchestrator (§4.10):
// a persistent, queue-backed worker pool that drives TileEngine off the
// hot path to pre-populate BlobStore for a geographic point, a named
// campaign's point set, or a bounding-box region.
package jobengine

import (
	"context"
	"time"
)

// Kind is one of the job kinds JobEngine executes.
type Kind string

const (
	KindWarmPoint    Kind = "warm-point"
	KindWarmCampaign Kind = "warm-campaign"
	KindWarmRegion   Kind = "warm-region"
	KindInvalidate   Kind = "invalidate"
)

// State is a JobRecord's lifecycle stage. Transitions form a DAG:
// PENDING -> RUNNING -> {SUCCESS, FAILED, CANCELLED}; completed states
// are terminal (§3).
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSuccess   State = "SUCCESS"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// terminal reports whether s is a state a JobRecord cannot leave.
func (s State) terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Priority is the broker queue class a job is enqueued under (§4.10,
// §6's job broker wire format).
type Priority string

const (
	PriorityHigh        Priority = "high"
	PriorityStandard    Priority = "standard"
	PriorityLow         Priority = "low"
	PriorityMaintenance Priority = "maintenance"
)

// Counters tracks a JobRecord's tile-level progress.
type Counters struct {
	Total  int `json:"total"`
	Done   int `json:"done"`
	Failed int `json:"failed"`
}

// JobRecord is one unit of asynchronous work (§3).
type JobRecord struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	State      State      `json:"state"`
	Payload    string     `json:"payload"` // JSON-encoded kind-specific request
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Progress   float64    `json:"progress"`
	Counters   Counters   `json:"counters"`
	LastError  string     `json:"last_error,omitempty"`
}

// transition moves the record to state to, rejecting any move out of a
// terminal state.
func (j *JobRecord) transition(to State) bool {
	if j.State.terminal() {
		return false
	}
	j.State = to
	return true
}

// WarmPointRequest is the payload of a warm-point job (§4.10).
type WarmPointRequest struct {
	Lat       float64  `json:"lat"`
	Lon       float64  `json:"lon"`
	Layers    []string `json:"layers"`
	Years     []int    `json:"years"`
	Zooms     []int    `json:"zooms"` // defaults to {12,13,14} when empty
	VisParams []string `json:"visparams"`
	Period    string   `json:"period"`
	Month     int      `json:"month,omitempty"`
	Force     bool     `json:"force,omitempty"`
}

// WarmRegionRequest is the payload of a warm-region job (§4.10).
type WarmRegionRequest struct {
	BBox      [4]float64 `json:"bbox"` // minLon, minLat, maxLon, maxLat
	Layers    []string   `json:"layers"`
	Years     []int      `json:"years"`
	ZoomMin   int        `json:"zoom_min"`
	ZoomMax   int        `json:"zoom_max"`
	VisParams []string   `json:"visparams"`
	Period    string     `json:"period"`
	Month     int        `json:"month,omitempty"`
	Force     bool       `json:"force,omitempty"`
}

// WarmCampaignRequest is the payload of a warm-campaign job (§4.10). The
// tile recipe fields (layers/years/zooms/visparams/period) are not named
// by the external campaign store, which owns only the point set and
// progress counters, so the request carries them the same way a
// warm-point request does.
type WarmCampaignRequest struct {
	CampaignID string   `json:"campaign_id"`
	BatchSize  int      `json:"batch_size"`
	Layers     []string `json:"layers"`
	Years      []int    `json:"years"`
	Zooms      []int    `json:"zooms"`
	VisParams  []string `json:"visparams"`
	Period     string   `json:"period"`
	Month      int      `json:"month,omitempty"`
	Force      bool     `json:"force,omitempty"`
}

// Point is one entry of an external campaign's point set.
type Point struct {
	ID     string  `json:"id"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Cached bool    `json:"cached"`
}

// CampaignProgress is the external collaborator record (§3) the core only
// updates specific fields of; ownership of the rest (point authoring,
// campaign lifecycle) sits outside this system.
type CampaignProgress struct {
	CachedPoints       int        `json:"cached_points"`
	TotalPoints        int        `json:"total_points"`
	CachePercentage    float64    `json:"cache_percentage"`
	LastPointCachedAt  *time.Time `json:"last_point_cached_at,omitempty"`
	CachingInProgress  bool       `json:"caching_in_progress"`
	CachingCompletedAt *time.Time `json:"caching_completed_at,omitempty"`
	CachingError       string     `json:"caching_error,omitempty"`
}

// CampaignStore is the external campaign collaborator's interface to the
// core (§1: "explicitly out of scope; only their interface to the core
// is specified in §6"). The core reads a campaign's point set and writes
// back only the CampaignProgress fields it owns.
type CampaignStore interface {
	Points(ctx context.Context, campaignID string) ([]Point, error)
	MarkPointCached(ctx context.Context, campaignID, pointID string) error
	UpdateProgress(ctx context.Context, campaignID string, progress CampaignProgress) error
}
