package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lapig-ufg/tiles/internal/jobengine"
	"github.com/lapig-ufg/tiles/internal/localcache"
)

type allowAllUsers struct{}

func (allowAllUsers) Authenticate(string, string) (string, bool) { return "super-admin", true }

type fakeJobs struct {
	lastWarmPoint    jobengine.WarmPointRequest
	lastWarmCampaign jobengine.WarmCampaignRequest
	lastWarmRegion   jobengine.WarmRegionRequest
	record           *jobengine.JobRecord
	statusErr        error
}

func (f *fakeJobs) SubmitWarmPoint(ctx context.Context, req jobengine.WarmPointRequest, priority jobengine.Priority) (*jobengine.JobRecord, error) {
	f.lastWarmPoint = req
	return &jobengine.JobRecord{ID: "job-1", Kind: jobengine.KindWarmPoint, State: jobengine.StatePending}, nil
}

func (f *fakeJobs) SubmitWarmCampaign(ctx context.Context, req jobengine.WarmCampaignRequest, priority jobengine.Priority) (*jobengine.JobRecord, error) {
	f.lastWarmCampaign = req
	return &jobengine.JobRecord{ID: "job-2", Kind: jobengine.KindWarmCampaign, State: jobengine.StatePending}, nil
}

func (f *fakeJobs) SubmitWarmRegion(ctx context.Context, req jobengine.WarmRegionRequest, priority jobengine.Priority) (*jobengine.JobRecord, error) {
	f.lastWarmRegion = req
	return &jobengine.JobRecord{ID: "job-3", Kind: jobengine.KindWarmRegion, State: jobengine.StatePending}, nil
}

func (f *fakeJobs) Status(ctx context.Context, id string) (*jobengine.JobRecord, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if f.record != nil {
		return f.record, nil
	}
	return &jobengine.JobRecord{ID: id, State: jobengine.StateRunning}, nil
}

type fakeStatusStore struct {
	progress jobengine.CampaignProgress
	err      error
}

func (f *fakeStatusStore) CampaignProgress(ctx context.Context, campaignID string) (jobengine.CampaignProgress, error) {
	return f.progress, f.err
}

type fakeBroker struct {
	purgedQueue jobengine.Priority
	purgedCount int
	err         error
}

func (f *fakeBroker) Purge(ctx context.Context, priority jobengine.Priority) (int, error) {
	f.purgedQueue = priority
	return f.purgedCount, f.err
}

type fakeBlobStore struct {
	degraded  bool
	deletions []string
}

func (f *fakeBlobStore) Put(ctx context.Context, path string, data []byte, contentType string) error {
	return nil
}
func (f *fakeBlobStore) Get(ctx context.Context, path string) ([]byte, error)  { return nil, nil }
func (f *fakeBlobStore) Exists(ctx context.Context, path string) (bool, error) { return false, nil }
func (f *fakeBlobStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	f.deletions = append(f.deletions, prefix)
	return 5, nil
}
func (f *fakeBlobStore) Degraded() bool { return f.degraded }

func newTestHandler(jobs *fakeJobs, store *fakeStatusStore, broker *fakeBroker, blobs *fakeBlobStore) http.Handler {
	return NewHandler(Deps{
		Jobs:   jobs,
		Store:  store,
		Broker: broker,
		Blobs:  blobs,
		Local:  localcache.New(1 << 20),
		Users:  allowAllUsers{},
		Role:   "super-admin",
	}, nil)
}

func TestHandlerCacheStatsReportsLocalCacheAndBlobDegradedState(t *testing.T) {
	h := newTestHandler(&fakeJobs{}, &fakeStatusStore{}, &fakeBroker{}, &fakeBlobStore{degraded: true})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	r.SetBasicAuth("x", "y")
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["blob_store_degraded"])
	assert.Contains(t, body, "local_cache")
}

func TestHandlerCacheClearRejectsWithoutConfirm(t *testing.T) {
	blobs := &fakeBlobStore{}
	h := newTestHandler(&fakeJobs{}, &fakeStatusStore{}, &fakeBroker{}, blobs)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodDelete, "/cache/clear?layer=landsat&year=2024", nil)
	r.SetBasicAuth("x", "y")
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, blobs.deletions)
}

func TestHandlerCacheClearDeletesEveryPeriodPrefixWhenConfirmed(t *testing.T) {
	blobs := &fakeBlobStore{}
	h := newTestHandler(&fakeJobs{}, &fakeStatusStore{}, &fakeBroker{}, blobs)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodDelete, "/cache/clear?layer=landsat&year=2024&confirm=true", nil)
	r.SetBasicAuth("x", "y")
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, blobs.deletions, 3)
}

func TestHandlerCacheWarmupRejectsWithoutConfirm(t *testing.T) {
	jobs := &fakeJobs{}
	h := newTestHandler(jobs, &fakeStatusStore{}, &fakeBroker{}, &fakeBlobStore{})

	body, _ := json.Marshal(map[string]any{"layer": "landsat"})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/cache/warmup", bytes.NewReader(body))
	r.SetBasicAuth("x", "y")
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerCacheWarmupSubmitsWarmRegionJobWhenConfirmed(t *testing.T) {
	jobs := &fakeJobs{}
	h := newTestHandler(jobs, &fakeStatusStore{}, &fakeBroker{}, &fakeBlobStore{})

	body, _ := json.Marshal(map[string]any{"layer": "landsat", "confirm": true, "years": []int{2024}})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/cache/warmup", bytes.NewReader(body))
	r.SetBasicAuth("x", "y")
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"landsat"}, jobs.lastWarmRegion.Layers)
}

func TestHandlerCacheCampaignStartRequiresCampaignID(t *testing.T) {
	jobs := &fakeJobs{}
	h := newTestHandler(jobs, &fakeStatusStore{}, &fakeBroker{}, &fakeBlobStore{})

	body, _ := json.Marshal(map[string]any{"batch_size": 5})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/cache/campaign/start", bytes.NewReader(body))
	r.SetBasicAuth("x", "y")
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerCacheCampaignStartSubmitsJob(t *testing.T) {
	jobs := &fakeJobs{}
	h := newTestHandler(jobs, &fakeStatusStore{}, &fakeBroker{}, &fakeBlobStore{})

	body, _ := json.Marshal(map[string]any{"campaign_id": "camp1", "batch_size": 2})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/cache/campaign/start", bytes.NewReader(body))
	r.SetBasicAuth("x", "y")
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "camp1", jobs.lastWarmCampaign.CampaignID)
	assert.Equal(t, 2, jobs.lastWarmCampaign.BatchSize)
}

func TestHandlerCacheCampaignStatusReturnsProgress(t *testing.T) {
	store := &fakeStatusStore{progress: jobengine.CampaignProgress{CachedPoints: 3, TotalPoints: 5}}
	h := newTestHandler(&fakeJobs{}, store, &fakeBroker{}, &fakeBlobStore{})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/cache/campaign/camp1/status", nil)
	r.SetBasicAuth("x", "y")
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var progress jobengine.CampaignProgress
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &progress))
	assert.Equal(t, 3, progress.CachedPoints)
}

func TestHandlerTaskStatusReturns404ForUnknownJob(t *testing.T) {
	jobs := &fakeJobs{statusErr: errors.New("not found")}
	h := newTestHandler(jobs, &fakeStatusStore{}, &fakeBroker{}, &fakeBlobStore{})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/tasks/unknown", nil)
	r.SetBasicAuth("x", "y")
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlerTasksPurgeRequiresConfirm(t *testing.T) {
	broker := &fakeBroker{}
	h := newTestHandler(&fakeJobs{}, &fakeStatusStore{}, broker, &fakeBlobStore{})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/tasks/purge?queue=low", nil)
	r.SetBasicAuth("x", "y")
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerTasksPurgeRemovesQueueWhenConfirmed(t *testing.T) {
	broker := &fakeBroker{purgedCount: 7}
	h := newTestHandler(&fakeJobs{}, &fakeStatusStore{}, broker, &fakeBlobStore{})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/tasks/purge?queue=low&confirm=true", nil)
	r.SetBasicAuth("x", "y")
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, jobengine.PriorityLow, broker.purgedQueue)
}

func TestHandlerRejectsRequestsWithNoUserStoreConfigured(t *testing.T) {
	h := NewHandler(Deps{
		Jobs:   &fakeJobs{},
		Store:  &fakeStatusStore{},
		Broker: &fakeBroker{},
		Blobs:  &fakeBlobStore{},
	}, nil)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	r.SetBasicAuth("x", "y")
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
