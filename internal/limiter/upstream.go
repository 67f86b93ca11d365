package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/lapig-ufg/tiles/internal/apperr"
	"github.com/lapig-ufg/tiles/internal/metrics"
)

// UpstreamOptions configures outbound protection (§6, §9).
type UpstreamOptions struct {
	Concurrency int           // bounded semaphore width
	Pacing      time.Duration // minimum spacing between successive permit acquisitions
}

// DefaultUpstreamOptions returns the spec-mandated defaults.
func DefaultUpstreamOptions() UpstreamOptions {
	return UpstreamOptions{Concurrency: 25, Pacing: 50 * time.Millisecond}
}

// ErrOpen is returned when the circuit breaker is open and the call was
// rejected without ever reaching upstream.
var ErrOpen = errors.New("limiter: circuit breaker open")

// UpstreamLimiter wraps a bounded semaphore, a pacing delay, and a
// circuit breaker (closed -> open -> half-open) around calls to
// upstream, grounded on the throttlingTransport shape (semaphore.Weighted
// gating a RoundTripper) from the pack's ghcache example, generalised
// from HTTP transport middleware to a plain call wrapper.
type UpstreamLimiter struct {
	sem      *semaphore.Weighted
	breaker  *gobreaker.CircuitBreaker
	pacing   time.Duration
	lastAt   chan time.Time // buffered(1); holds the timestamp of the last permit grant
	coolDown time.Duration  // breaker's half-open timeout, reused as the Throttled Retry-After hint
	logger   *slog.Logger
}

// NewUpstreamLimiter builds an UpstreamLimiter.
func NewUpstreamLimiter(opts UpstreamOptions, logger *slog.Logger) *UpstreamLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	lastAt := make(chan time.Time, 1)
	lastAt <- time.Time{}

	const coolDown = time.Second // fixed cool-down before a half-open probe; it does not grow across consecutive trips

	settings := gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 1, // a single half-open probe, per §9
		Interval:    0,
		Timeout:     coolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 10
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("upstream circuit breaker state change", "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.Set(float64(to))
		},
	}

	return &UpstreamLimiter{
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		breaker:  gobreaker.NewCircuitBreaker(settings),
		pacing:   opts.Pacing,
		lastAt:   lastAt,
		coolDown: coolDown,
		logger:   logger,
	}
}

// Do runs fn under the semaphore, pacing delay, and circuit breaker. fn
// is expected to call upstream only — callers must finish all
// caller-side validation (keyspace canonicalisation, visparam lookup)
// before reaching Do, so every error fn returns here is upstream-authored
// and legitimately counts toward the breaker's trip threshold.
func (l *UpstreamLimiter) Do(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, apperr.New(apperr.Timeout, fmt.Errorf("limiter: acquire upstream slot: %w", err))
	}
	defer l.sem.Release(1)

	if err := l.pace(ctx); err != nil {
		return nil, err
	}

	result, err := l.breaker.Execute(func() (any, error) { return fn(ctx) })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apperr.Throttle(l.coolDown, ErrOpen)
	}
	return result, err
}

func (l *UpstreamLimiter) pace(ctx context.Context) error {
	if l.pacing <= 0 {
		return nil
	}
	last := <-l.lastAt
	wait := l.pacing - time.Since(last)
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			l.lastAt <- last
			return apperr.New(apperr.Timeout, ctx.Err())
		}
	}
	l.lastAt <- time.Now()
	return nil
}

// State reports the breaker's current state, for metrics/controlplane.
func (l *UpstreamLimiter) State() string {
	return l.breaker.State().String()
}
