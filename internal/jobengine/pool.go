package jobengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lapig-ufg/tiles/internal/keyspace"
	"github.com/lapig-ufg/tiles/internal/metrics"
	"github.com/lapig-ufg/tiles/internal/tile"
)

// Options configures the worker pool (§4.10, §6's JOB_POOL_SIZE).
type Options struct {
	Workers           int           // fixed pool of worker fibers (JOB_POOL_SIZE, default 8)
	PerJobConcurrency int           // per-job tile fan-out cap, so one fat job cannot starve the pool
	DequeueTimeout    time.Duration // BLPOP block duration between liveness checks
}

// DefaultOptions returns the spec-mandated defaults.
func DefaultOptions() Options {
	return Options{Workers: 8, PerJobConcurrency: 4, DequeueTimeout: 2 * time.Second}
}

// Pool is JobEngine's execution side: a fixed pool of worker fibers
// consuming from the Broker's priority queues and driving TileRunner.
// Adapted from internal/worker/pool.go's channel+sync.WaitGroup shape,
// generalized from a fixed task slice to a long-lived broker poll loop
// and from rendering a single tile to running a whole warm job.
type Pool struct {
	store     *Store
	broker    *Broker
	runner    TileRunner
	campaigns CampaignStore
	opts      Options
	logger    *slog.Logger
}

// New builds a Pool.
func New(store *Store, broker *Broker, runner TileRunner, campaigns CampaignStore, opts Options, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{store: store, broker: broker, runner: runner, campaigns: campaigns, opts: opts, logger: logger}
}

// Run starts opts.Workers worker fibers and blocks until ctx is
// cancelled, at which point every worker finishes its current job and
// returns — matching §5's "purging a queue cancels pending but never
// in-progress tasks".
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < max(p.opts.Workers, 1); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.sampleQueueDepths(ctx)
	}()

	wg.Wait()
}

// sampleQueueDepths periodically publishes each priority queue's pending
// length to the job_queue_depth gauge, so an operator can see back-
// pressure building before Enqueue starts returning ErrQueueFull.
func (p *Pool) sampleQueueDepths(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, priority := range priorityOrder {
				depth, err := p.broker.QueueDepth(ctx, priority)
				if err != nil {
					continue
				}
				metrics.JobQueueDepth.WithLabelValues(string(priority)).Set(float64(depth))
			}
		}
	}
}

func (p *Pool) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := p.broker.Dequeue(ctx, p.opts.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("jobengine: dequeue failed", "error", err)
			continue
		}
		if msg == nil {
			continue // dequeue timed out; loop to re-check ctx
		}

		p.execute(ctx, msg)
	}
}

func (p *Pool) execute(ctx context.Context, msg *Message) {
	job, err := p.store.Get(ctx, msg.JobID)
	if err != nil {
		p.logger.Error("jobengine: load job failed", "job_id", msg.JobID, "error", err)
		return
	}
	if job.State.terminal() {
		return // cancelled or already finished while queued
	}

	now := time.Now()
	job.StartedAt = &now
	job.transition(StateRunning)
	if err := p.store.Update(ctx, job); err != nil {
		p.logger.Error("jobengine: persist running state failed", "job_id", job.ID, "error", err)
	}

	var runErr error
	switch msg.Kind {
	case KindWarmPoint:
		runErr = p.runWarmPoint(ctx, job, msg.Payload)
	case KindWarmRegion:
		runErr = p.runWarmRegion(ctx, job, msg.Payload)
	case KindWarmCampaign:
		runErr = p.runWarmCampaign(ctx, job, msg.Payload)
	default:
		runErr = fmt.Errorf("jobengine: pool does not execute kind %q (handled synchronously by ControlPlane)", msg.Kind)
	}

	finished := time.Now()
	job.FinishedAt = &finished
	if runErr != nil {
		job.LastError = runErr.Error()
		job.transition(StateFailed)
	} else if job.Counters.Total > 0 && float64(job.Counters.Failed)/float64(job.Counters.Total) > 0.5 {
		// §4.10: permanent per-tile failures don't fail the parent job
		// unless more than half the tiles failed.
		job.LastError = "more than half of tiles failed"
		job.transition(StateFailed)
	} else {
		job.transition(StateSuccess)
	}
	if err := p.store.Update(ctx, job); err != nil {
		p.logger.Error("jobengine: persist final state failed", "job_id", job.ID, "error", err)
	}
	metrics.RecordJobCompletion(string(job.Kind), string(job.State))
}

func (p *Pool) runWarmPoint(ctx context.Context, job *JobRecord, payload string) error {
	var req WarmPointRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return fmt.Errorf("decode warm-point payload: %w", err)
	}
	reqs := warmPointTileRequests(req)
	p.runBatchUpdatingJob(ctx, job, reqs)
	return nil
}

func (p *Pool) runWarmRegion(ctx context.Context, job *JobRecord, payload string) error {
	var req WarmRegionRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return fmt.Errorf("decode warm-region payload: %w", err)
	}
	reqs := warmRegionTileRequests(req)
	p.runBatchUpdatingJob(ctx, job, reqs)
	return nil
}

// runBatchUpdatingJob runs reqs and persists job's counters/progress
// incrementally so GET /tasks/{id} reflects live progress.
func (p *Pool) runBatchUpdatingJob(ctx context.Context, job *JobRecord, reqs []keyspace.TileRequest) {
	job.Counters.Total = len(reqs)
	var mu sync.Mutex
	runTileBatch(ctx, p.runner, reqs, p.opts.PerJobConcurrency, func(outcome batchOutcome) {
		mu.Lock()
		defer mu.Unlock()
		if outcome.failed {
			job.Counters.Failed++
		} else {
			job.Counters.Done++
		}
		if job.Counters.Total > 0 {
			job.Progress = float64(job.Counters.Done+job.Counters.Failed) / float64(job.Counters.Total)
		}
		if err := p.store.Update(ctx, job); err != nil {
			p.logger.Warn("jobengine: progress checkpoint failed", "job_id", job.ID, "error", err)
		}
	})
}

func (p *Pool) runWarmCampaign(ctx context.Context, job *JobRecord, payload string) error {
	var req WarmCampaignRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return fmt.Errorf("decode warm-campaign payload: %w", err)
	}
	if p.campaigns == nil {
		return fmt.Errorf("jobengine: no campaign store configured")
	}

	points, err := p.campaigns.Points(ctx, req.CampaignID)
	if err != nil {
		return fmt.Errorf("fetch campaign points: %w", err)
	}

	pending := make([]Point, 0, len(points))
	for _, pt := range points {
		if req.Force || !pt.Cached {
			pending = append(pending, pt)
		}
	}

	zooms := req.Zooms
	if len(zooms) == 0 {
		zooms = defaultWarmPointZooms
	}

	job.Counters.Total = len(pending) * len(zooms) * len(req.Layers) * len(req.Years) * len(req.VisParams)
	cachedSoFar := len(points) - len(pending)

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	for start := 0; start < len(pending); start += batchSize {
		end := min(start+batchSize, len(pending))
		for _, pt := range pending[start:end] {
			coords := tile.PointToTiles(pt.Lon, pt.Lat, zooms)
			reqs := combineTileRequests(coords, req.Layers, req.Years, req.VisParams, req.Period, req.Month)

			pointFailed := false
			runTileBatch(ctx, p.runner, reqs, p.opts.PerJobConcurrency, func(outcome batchOutcome) {
				if outcome.failed {
					job.Counters.Failed++
					pointFailed = true
				} else {
					job.Counters.Done++
				}
			})

			if !pointFailed {
				cachedSoFar++
				if err := p.campaigns.MarkPointCached(ctx, req.CampaignID, pt.ID); err != nil {
					p.logger.Warn("jobengine: mark point cached failed", "campaign_id", req.CampaignID, "point_id", pt.ID, "error", err)
				}
			}

			now := time.Now()
			progress := CampaignProgress{
				CachedPoints:      cachedSoFar,
				TotalPoints:       len(points),
				CachingInProgress: true,
				LastPointCachedAt: &now,
			}
			if len(points) > 0 {
				progress.CachePercentage = 100 * float64(cachedSoFar) / float64(len(points))
			}
			if err := p.campaigns.UpdateProgress(ctx, req.CampaignID, progress); err != nil {
				p.logger.Warn("jobengine: update campaign progress failed", "campaign_id", req.CampaignID, "error", err)
			}
			if err := p.store.SaveCampaignProgress(ctx, req.CampaignID, progress); err != nil {
				p.logger.Warn("jobengine: persist campaign progress failed", "campaign_id", req.CampaignID, "error", err)
			}

			if job.Counters.Total > 0 {
				job.Progress = float64(job.Counters.Done+job.Counters.Failed) / float64(job.Counters.Total)
			}
			if err := p.store.Update(ctx, job); err != nil {
				p.logger.Warn("jobengine: progress checkpoint failed", "job_id", job.ID, "error", err)
			}
		}
	}

	final := time.Now()
	completedProgress := CampaignProgress{
		CachedPoints:       cachedSoFar,
		TotalPoints:        len(points),
		CachingInProgress:  false,
		CachingCompletedAt: &final,
	}
	if len(points) > 0 {
		completedProgress.CachePercentage = 100 * float64(cachedSoFar) / float64(len(points))
	}
	if err := p.campaigns.UpdateProgress(ctx, req.CampaignID, completedProgress); err != nil {
		p.logger.Warn("jobengine: finalize campaign progress failed", "campaign_id", req.CampaignID, "error", err)
	}
	_ = p.store.SaveCampaignProgress(ctx, req.CampaignID, completedProgress)

	return nil
}
