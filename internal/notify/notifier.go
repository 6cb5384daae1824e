package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/panel-checkout/internal/events"
)

// AlertPublishing is satisfied by AlertPublisher.
type AlertPublishing interface {
	Publish(ctx context.Context, stage string, alert ReconciliationAlert) error
}

// SupportNotifier raises support alerts for reconciliation events.
type SupportNotifier struct {
	Alerts AlertPublishing
}

// Notify implements events.Notifier.
func (n SupportNotifier) Notify(ctx context.Context, ev events.Event) error {
	if n.Alerts == nil || ev.Topic != events.TopicReconciliationRequired {
		return nil
	}
	var alert ReconciliationAlert
	if err := json.Unmarshal(ev.Payload, &alert); err != nil {
		return fmt.Errorf("support notify: decode payload: %w", err)
	}
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = ev.OccurredAt
	}
	stage := "raised"
	if alert.Attempts > 0 {
		stage = "exhausted"
	}
	return n.Alerts.Publish(ctx, stage, alert)
}

// LogNotifier writes every domain event to the structured log.
type LogNotifier struct {
	Logger zerolog.Logger
}

// Notify implements events.Notifier.
func (n LogNotifier) Notify(_ context.Context, ev events.Event) error {
	level := zerolog.InfoLevel
	if ev.Topic == events.TopicReconciliationRequired {
		level = zerolog.ErrorLevel
	}
	n.Logger.WithLevel(level).
		Str("topic", ev.Topic).
		Str("aggregate_id", ev.AggregateID).
		Str("event_id", ev.ID.String()).
		RawJSON("payload", ev.Payload).
		Msg("domain event")
	return nil
}
