package jobengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrQueueFull is returned by Enqueue once a priority queue's bound is
// reached (§4.10: "Back-pressure: enqueue returns QueueFull once the
// broker's per-queue bound is reached").
var ErrQueueFull = errors.New("jobengine: queue full")

// priorityOrder is the fixed dequeue precedence: BLPOP/BRPOP scan their
// key list left-to-right, so listing queues high-to-low here is what
// makes dequeue prefer higher-priority work without any extra bookkeeping.
var priorityOrder = []Priority{PriorityHigh, PriorityStandard, PriorityLow, PriorityMaintenance}

// Message is the broker's wire format (§6): "{kind, payload, priority,
// attempt, enqueued_at}".
type Message struct {
	JobID      string    `json:"job_id"`
	Kind       Kind      `json:"kind"`
	Payload    string    `json:"payload"`
	Priority   Priority  `json:"priority"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Broker is a Redis-list-backed priority queue, grounded on the same
// redis.UniversalClient the MetaStore production tier uses, generalised
// from key/value operations to list push/pop for queue semantics.
type Broker struct {
	client      redis.UniversalClient
	maxPerQueue int64
}

// NewBroker builds a Broker. maxPerQueue <= 0 means unbounded.
func NewBroker(client redis.UniversalClient, maxPerQueue int64) *Broker {
	return &Broker{client: client, maxPerQueue: maxPerQueue}
}

func queueKey(p Priority) string { return "jobqueue:" + string(p) }

// Enqueue pushes msg onto its priority's queue, rejecting with
// ErrQueueFull once that queue is at its bound.
func (b *Broker) Enqueue(ctx context.Context, msg Message) error {
	if b.maxPerQueue > 0 {
		n, err := b.client.LLen(ctx, queueKey(msg.Priority)).Result()
		if err != nil {
			return fmt.Errorf("jobengine: check queue length: %w", err)
		}
		if n >= b.maxPerQueue {
			return ErrQueueFull
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("jobengine: encode message: %w", err)
	}
	if err := b.client.RPush(ctx, queueKey(msg.Priority), raw).Err(); err != nil {
		return fmt.Errorf("jobengine: enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout waiting for a message on any priority
// queue, preferring higher-priority queues. Returns (nil, nil) on timeout.
func (b *Broker) Dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	keys := make([]string, len(priorityOrder))
	for i, p := range priorityOrder {
		keys[i] = queueKey(p)
	}

	res, err := b.client.BLPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobengine: dequeue: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("jobengine: dequeue: unexpected BLPOP reply %v", res)
	}

	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return nil, fmt.Errorf("jobengine: decode message: %w", err)
	}
	return &msg, nil
}

// QueueDepth reports the current pending-message count for priority,
// sampled periodically by Pool for the job_queue_depth gauge.
func (b *Broker) QueueDepth(ctx context.Context, priority Priority) (int64, error) {
	n, err := b.client.LLen(ctx, queueKey(priority)).Result()
	if err != nil {
		return 0, fmt.Errorf("jobengine: measure queue depth: %w", err)
	}
	return n, nil
}

// Purge removes every pending (not yet dequeued) message from priority's
// queue and returns the count removed (§4.11: POST /tasks/purge). An
// in-flight message already claimed by BLPOP is never affected.
func (b *Broker) Purge(ctx context.Context, priority Priority) (int, error) {
	n, err := b.client.LLen(ctx, queueKey(priority)).Result()
	if err != nil {
		return 0, fmt.Errorf("jobengine: purge: measure queue: %w", err)
	}
	if err := b.client.Del(ctx, queueKey(priority)).Err(); err != nil {
		return 0, fmt.Errorf("jobengine: purge: %w", err)
	}
	return int(n), nil
}
