package events

import (
	"context"

	"github.com/noah-isme/panel-checkout/internal/db"
)

// PgStore writes events to the domain_events table.
type PgStore struct {
	Conn db.DBTX
}

// InsertDomainEvent implements EventStore.
func (s PgStore) InsertDomainEvent(ctx context.Context, ev Event) (Event, error) {
	err := s.Conn.QueryRow(ctx, `INSERT INTO domain_events (id, topic, aggregate_id, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5) RETURNING occurred_at`,
		ev.ID, ev.Topic, ev.AggregateID, []byte(ev.Payload), ev.OccurredAt).Scan(&ev.OccurredAt)
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}
