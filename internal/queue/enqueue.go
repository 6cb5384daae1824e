package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Enqueuer publishes tasks onto Redis sorted sets scored by availability time.
type Enqueuer struct {
	R        *redis.Client
	Prefix   string
	DedupTTL time.Duration
	// MaxAttempts applies when a task does not set its own budget.
	MaxAttempts int
}

// Enqueue schedules the task. Tasks carrying an idempotency key are accepted once
// until they are acknowledged, dead-lettered or the dedup window lapses.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return errors.New("queue: task kind is required")
	}
	keys := keyspace(e.Prefix)
	msg := taskMessage{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
		AvailableAt: time.Now().Add(t.Delay).UnixNano(),
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = e.MaxAttempts
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = 10
	}

	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		fresh, err := e.R.SetNX(ctx, keys.dedup(kind, msg.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}
	}

	raw, err := msg.encode()
	if err != nil {
		return err
	}
	if err := e.R.ZAdd(ctx, keys.ready(kind), redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err(); err != nil {
		return err
	}
	if QueueDepth != nil {
		if depth, err := e.R.ZCard(ctx, keys.ready(kind)).Result(); err == nil {
			QueueDepth.WithLabelValues(kind).Set(float64(depth))
		}
	}
	return nil
}

// Depth reports ready and in-flight task counts for a kind.
func (e Enqueuer) Depth(ctx context.Context, kind string) (ready, processing int64, err error) {
	if e.R == nil {
		return 0, 0, errors.New("queue: redis client not configured")
	}
	keys := keyspace(e.Prefix)
	ready, err = e.R.ZCard(ctx, keys.ready(kind)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, err
	}
	processing, err = e.R.ZCard(ctx, keys.processing(kind)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, err
	}
	return ready, processing, nil
}
