package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/panel-checkout/internal/resilience"
)

// Worker consumes tasks of one kind. Claimed tasks sit in a processing set
// scored by their visibility deadline so a crashed worker's tasks are redelivered.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	// SoftDeadline bounds a single handler invocation. Zero means no bound.
	SoftDeadline time.Duration
	Handler      func(context.Context, Task) error
	RetryBase    time.Duration
	RetryJitter  float64
	// Store persists dead-lettered tasks for the admin API.
	Store Store
	// DeadLetter runs after a task exhausts its attempts.
	DeadLetter func(context.Context, Task, error)
	Logger     *zerolog.Logger
}

// Run processes tasks until ctx is cancelled, then waits for in-flight handlers.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return errors.New("queue: worker kind is required")
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	keys := keyspace(w.Prefix)
	readyKey, processingKey := keys.ready(kind), keys.processing(kind)

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	sweep := time.NewTicker(visibility / 2)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-sweep.C:
			if err := w.requeueExpired(ctx, processingKey, readyKey); err != nil && ctx.Err() == nil {
				return err
			}
		default:
		}

		popped, err := w.R.ZPopMin(ctx, readyKey, 1).Result()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			if errors.Is(err, redis.Nil) {
				idle(ctx, 100*time.Millisecond)
				continue
			}
			return err
		}
		if len(popped) == 0 {
			idle(ctx, 100*time.Millisecond)
			continue
		}
		member, ok := popped[0].Member.(string)
		if !ok {
			continue
		}
		msg, err := decodeMessage(member)
		if err != nil {
			w.logger().Warn().Err(err).Str("kind", kind).Msg("dropping undecodable task")
			continue
		}
		now := time.Now().UnixNano()
		if msg.AvailableAt > now {
			_ = w.R.ZAdd(ctx, readyKey, redis.Z{Score: float64(msg.AvailableAt), Member: member}).Err()
			idle(ctx, min(time.Duration(msg.AvailableAt-now), time.Second))
			continue
		}

		msg.Attempt++
		raw, err := msg.encode()
		if err != nil {
			continue
		}
		deadline := time.Now().Add(visibility).UnixNano()
		if err := w.R.ZAdd(ctx, processingKey, redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			return err
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(raw string, m taskMessage) {
			defer func() { <-sem }()
			defer wg.Done()
			w.process(ctx, readyKey, processingKey, raw, m)
		}(raw, msg)
	}
}

func (w Worker) process(ctx context.Context, readyKey, processingKey, raw string, m taskMessage) {
	jobCtx, cancel := context.WithCancel(ctx)
	if w.SoftDeadline > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, w.SoftDeadline)
	}
	defer cancel()

	task := Task{Kind: m.Kind, Payload: m.Payload, IdempotencyKey: m.Key, MaxAttempts: m.MaxAttempts, Attempt: m.Attempt}
	err := w.Handler(jobCtx, task)

	// bookkeeping must survive shutdown and handler deadlines
	bg := context.WithoutCancel(ctx)
	_ = w.R.ZRem(bg, processingKey, raw).Err()
	if err == nil {
		if m.Key != "" {
			_ = w.R.Del(bg, keyspace(w.Prefix).dedup(m.Kind, m.Key)).Err()
		}
		recordProcessed(m.Kind, "succeeded")
		return
	}
	m.LastError = err.Error()
	if m.MaxAttempts > 0 && m.Attempt >= m.MaxAttempts {
		w.deadLetter(bg, task, m, err)
		return
	}
	recordProcessed(m.Kind, "retried")
	m.AvailableAt = time.Now().Add(resilience.Backoff(w.retryBase(), m.Attempt, w.RetryJitter)).UnixNano()
	encoded, encErr := m.encode()
	if encErr != nil {
		return
	}
	_ = w.R.ZAdd(bg, readyKey, redis.Z{Score: float64(m.AvailableAt), Member: encoded}).Err()
	w.logger().Warn().Err(err).
		Str("kind", m.Kind).
		Str("idempotency_key", m.Key).
		Int("attempt", m.Attempt).
		Msg("task failed, scheduled retry")
}

func (w Worker) deadLetter(ctx context.Context, task Task, m taskMessage, cause error) {
	keys := keyspace(w.Prefix)
	recordProcessed(m.Kind, "dead_lettered")
	encoded, err := m.encode()
	if err == nil {
		_ = w.R.LPush(ctx, keys.dlq(m.Kind), encoded).Err()
	}
	if w.Store != nil && err == nil {
		lastErr := cause.Error()
		if _, storeErr := w.Store.InsertQueueDlq(ctx, DLQEntry{
			Kind:           m.Kind,
			IdempotencyKey: m.Key,
			Payload:        []byte(encoded),
			Attempts:       m.Attempt,
			LastError:      &lastErr,
		}); storeErr != nil {
			w.logger().Error().Err(storeErr).Str("kind", m.Kind).Msg("persist dead letter failed")
		}
		if QueueDLQSize != nil {
			if n, countErr := w.Store.CountQueueDlq(ctx, m.Kind); countErr == nil {
				QueueDLQSize.WithLabelValues(m.Kind).Set(float64(n))
			}
		}
	}
	if m.Key != "" {
		_ = w.R.Del(ctx, keys.dedup(m.Kind, m.Key)).Err()
	}
	w.logger().Error().Err(cause).
		Str("kind", m.Kind).
		Str("idempotency_key", m.Key).
		Int("attempts", m.Attempt).
		Msg("task moved to dead letter queue")
	if w.DeadLetter != nil {
		w.DeadLetter(ctx, task, cause)
	}
}

func (w Worker) requeueExpired(ctx context.Context, processingKey, readyKey string) error {
	now := time.Now().UnixNano()
	expired, err := w.R.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now)}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range expired {
		removed, err := w.R.ZRem(ctx, processingKey, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		msg.AvailableAt = time.Now().UnixNano()
		encoded, err := msg.encode()
		if err != nil {
			continue
		}
		_ = w.R.ZAdd(ctx, readyKey, redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err()
	}
	return nil
}

func (w Worker) retryBase() time.Duration {
	if w.RetryBase <= 0 {
		return 200 * time.Millisecond
	}
	return w.RetryBase
}

func (w Worker) logger() *zerolog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

func idle(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func recordProcessed(kind, status string) {
	if QueueProcessedTotal != nil {
		QueueProcessedTotal.WithLabelValues(kind, status).Inc()
	}
}
