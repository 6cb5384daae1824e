package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/panel-checkout/internal/db"
)

// ErrStoreUnavailable indicates the DLQ store dependency is not configured.
var ErrStoreUnavailable = errors.New("queue: store unavailable")

// Store persists dead-lettered tasks.
type Store interface {
	InsertQueueDlq(ctx context.Context, entry DLQEntry) (uuid.UUID, error)
	DeleteQueueDlq(ctx context.Context, id uuid.UUID) error
	GetQueueDlq(ctx context.Context, id uuid.UUID) (DLQEntry, error)
	ListQueueDlq(ctx context.Context, kind string, limit, offset int) ([]DLQEntry, error)
	CountQueueDlq(ctx context.Context, kind string) (int64, error)
	QueueDlqSizeByKind(ctx context.Context) (map[string]int64, error)
}

// DLQEntry is one row of queue_dlq. Payload holds the encoded task message.
type DLQEntry struct {
	ID             uuid.UUID
	Kind           string
	IdempotencyKey string
	Payload        []byte
	Attempts       int
	LastError      *string
	CreatedAt      time.Time
}

// NewStore returns a Postgres-backed Store.
func NewStore(conn db.DBTX) Store {
	return &pgStore{conn: conn}
}

type pgStore struct {
	conn db.DBTX
}

const dlqColumns = `id, kind, idem_key, payload, attempts, last_error, created_at`

func (s *pgStore) InsertQueueDlq(ctx context.Context, entry DLQEntry) (uuid.UUID, error) {
	if s == nil || s.conn == nil {
		return uuid.Nil, ErrStoreUnavailable
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	var id uuid.UUID
	err := s.conn.QueryRow(ctx, `INSERT INTO queue_dlq (id, kind, idem_key, payload, attempts, last_error)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		entry.ID, entry.Kind, entry.IdempotencyKey, entry.Payload, entry.Attempts, entry.LastError).Scan(&id)
	return id, err
}

func (s *pgStore) DeleteQueueDlq(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.conn == nil {
		return ErrStoreUnavailable
	}
	_, err := s.conn.Exec(ctx, `DELETE FROM queue_dlq WHERE id = $1`, id)
	return err
}

func (s *pgStore) GetQueueDlq(ctx context.Context, id uuid.UUID) (DLQEntry, error) {
	if s == nil || s.conn == nil {
		return DLQEntry{}, ErrStoreUnavailable
	}
	rows, err := s.conn.Query(ctx, `SELECT `+dlqColumns+` FROM queue_dlq WHERE id = $1`, id)
	if err != nil {
		return DLQEntry{}, err
	}
	return pgx.CollectExactlyOneRow(rows, scanDLQ)
}

func (s *pgStore) ListQueueDlq(ctx context.Context, kind string, limit, offset int) ([]DLQEntry, error) {
	if s == nil || s.conn == nil {
		return nil, ErrStoreUnavailable
	}
	limit = clampPositive(limit, 1, 500)
	offset = max(offset, 0)
	kind = strings.TrimSpace(kind)
	rows, err := s.conn.Query(ctx, `SELECT `+dlqColumns+` FROM queue_dlq
WHERE ($1 = '' OR kind = $1) ORDER BY created_at DESC LIMIT $2 OFFSET $3`, kind, limit, offset)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanDLQ)
}

func (s *pgStore) CountQueueDlq(ctx context.Context, kind string) (int64, error) {
	if s == nil || s.conn == nil {
		return 0, ErrStoreUnavailable
	}
	var total int64
	err := s.conn.QueryRow(ctx, `SELECT COUNT(*) FROM queue_dlq WHERE ($1 = '' OR kind = $1)`, strings.TrimSpace(kind)).Scan(&total)
	return total, err
}

func (s *pgStore) QueueDlqSizeByKind(ctx context.Context) (map[string]int64, error) {
	if s == nil || s.conn == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.conn.Query(ctx, `SELECT kind, COUNT(*) FROM queue_dlq GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var kind string
		var total int64
		if err := rows.Scan(&kind, &total); err != nil {
			return nil, err
		}
		result[kind] = total
	}
	return result, rows.Err()
}

func scanDLQ(row pgx.CollectableRow) (DLQEntry, error) {
	var entry DLQEntry
	err := row.Scan(&entry.ID, &entry.Kind, &entry.IdempotencyKey, &entry.Payload, &entry.Attempts, &entry.LastError, &entry.CreatedAt)
	return entry, err
}

func clampPositive(value, lo, hi int) int {
	return min(max(value, lo), hi)
}
