package reconcile

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/noah-isme/panel-checkout/internal/queue"
)

// TaskKind is the queue kind carrying payment intent ids awaiting an order.
const TaskKind = "order-reconcile"

// Enqueuer is satisfied by queue.Enqueuer.
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// Scheduler queues reconciliation work, one live task per payment intent.
type Scheduler struct {
	Queue       Enqueuer
	MaxAttempts int
	Delay       time.Duration
}

// Schedule enqueues a reconciliation attempt for the payment intent.
func (s Scheduler) Schedule(ctx context.Context, paymentIntentID string) error {
	if s.Queue == nil {
		return errors.New("reconcile: queue not configured")
	}
	id := strings.TrimSpace(paymentIntentID)
	if id == "" {
		return errors.New("reconcile: payment intent id is required")
	}
	return s.Queue.Enqueue(ctx, queue.Task{
		Kind:           TaskKind,
		Payload:        []byte(id),
		IdempotencyKey: id,
		MaxAttempts:    s.MaxAttempts,
		Delay:          s.Delay,
	})
}
