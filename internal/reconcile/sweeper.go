package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper schedules outbox records left pending by a process that died
// between recording the charge and creating the order.
type Sweeper struct {
	Store     Store
	Scheduler Scheduling
	// Grace must exceed the submit lock TTL so live submissions are left alone.
	Grace     time.Duration
	BatchSize int
	Now       func() time.Time
	Logger    zerolog.Logger
}

// Sweep schedules every stale pending record and returns how many it queued.
func (s Sweeper) Sweep(ctx context.Context) (int, error) {
	limit := s.BatchSize
	if limit <= 0 {
		limit = 100
	}
	records, err := s.Store.List(ctx, StatusPending, limit, 0)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.Grace)
	scheduled := 0
	for _, rec := range records {
		if rec.CreatedAt.After(cutoff) {
			continue
		}
		if err := s.Scheduler.Schedule(ctx, rec.PaymentIntentID); err != nil {
			s.Logger.Error().Err(err).Str("payment_intent_id", rec.PaymentIntentID).Msg("schedule stale charge")
			continue
		}
		scheduled++
	}
	return scheduled, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.Logger.Error().Err(err).Msg("sweep charge outbox")
				continue
			}
			if n > 0 {
				s.Logger.Warn().Int("scheduled", n).Msg("stale charges queued for reconciliation")
			}
		}
	}
}

func (s Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
