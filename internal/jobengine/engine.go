package jobengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Engine is JobEngine's submission-side API: it durably records a new
// JobRecord and hands its work off to the Broker. Execution happens in
// Pool, running separately (possibly in a different process).
type Engine struct {
	store  *Store
	broker *Broker
}

// NewEngine builds an Engine over store and broker.
func NewEngine(store *Store, broker *Broker) *Engine {
	return &Engine{store: store, broker: broker}
}

func (e *Engine) submit(ctx context.Context, kind Kind, payload any, priority Priority) (*JobRecord, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("jobengine: encode %s payload: %w", kind, err)
	}

	job := &JobRecord{
		ID:        uuid.NewString(),
		Kind:      kind,
		State:     StatePending,
		Payload:   string(raw),
		CreatedAt: time.Now(),
	}
	if err := e.store.Insert(ctx, job); err != nil {
		return nil, err
	}

	msg := Message{
		JobID:      job.ID,
		Kind:       kind,
		Payload:    string(raw),
		Priority:   priority,
		EnqueuedAt: job.CreatedAt,
	}
	if err := e.broker.Enqueue(ctx, msg); err != nil {
		return nil, err
	}
	return job, nil
}

// SubmitWarmPoint enqueues a warm-point job.
func (e *Engine) SubmitWarmPoint(ctx context.Context, req WarmPointRequest, priority Priority) (*JobRecord, error) {
	return e.submit(ctx, KindWarmPoint, req, priority)
}

// SubmitWarmCampaign enqueues a warm-campaign job.
func (e *Engine) SubmitWarmCampaign(ctx context.Context, req WarmCampaignRequest, priority Priority) (*JobRecord, error) {
	return e.submit(ctx, KindWarmCampaign, req, priority)
}

// SubmitWarmRegion enqueues a warm-region job.
func (e *Engine) SubmitWarmRegion(ctx context.Context, req WarmRegionRequest, priority Priority) (*JobRecord, error) {
	return e.submit(ctx, KindWarmRegion, req, priority)
}

// Status returns the current JobRecord for id.
func (e *Engine) Status(ctx context.Context, id string) (*JobRecord, error) {
	return e.store.Get(ctx, id)
}
