package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/panel-checkout/internal/db"
)

// Outbox statuses.
const (
	StatusPending   = "pending"
	StatusRetrying  = "retrying"
	StatusCreated   = "created"
	StatusAttention = "attention"
)

// ErrNotFound is returned when no charge is recorded for a payment intent.
var ErrNotFound = errors.New("reconcile: charge record not found")

// Record is a confirmed charge together with the order it pays for.
type Record struct {
	ID              uuid.UUID       `json:"id"`
	PaymentIntentID string          `json:"payment_intent_id"`
	SessionID       string          `json:"session_id"`
	CustomerID      string          `json:"customer_id"`
	CustomerEmail   string          `json:"customer_email,omitempty"`
	CartKey         string          `json:"cart_key,omitempty"`
	AmountMinor     int64           `json:"amount_minor"`
	Currency        string          `json:"currency"`
	Order           json.RawMessage `json:"order_payload"`
	Status          string          `json:"status"`
	Attempts        int             `json:"attempts"`
	LastError       string          `json:"last_error,omitempty"`
	OrderReference  string          `json:"order_reference,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Store persists the charge outbox.
type Store interface {
	// Record inserts rec unless the payment intent is already known, in which
	// case the stored record is returned and inserted is false.
	Record(ctx context.Context, rec Record) (stored Record, inserted bool, err error)
	Get(ctx context.Context, paymentIntentID string) (Record, error)
	MarkCreated(ctx context.Context, paymentIntentID, orderReference string) error
	MarkFailed(ctx context.Context, paymentIntentID, status, reason string) error
	List(ctx context.Context, status string, limit, offset int) ([]Record, error)
	Count(ctx context.Context, status string) (int, error)
}

// PgStore implements Store over the charge_outbox table.
type PgStore struct {
	Conn db.DBTX
}

// maxPageSize bounds a single List call.
const maxPageSize = 200

const recordColumns = `id, payment_intent_id, session_id, customer_id, customer_email, cart_key,
amount_minor, currency, order_payload, status, attempts, COALESCE(last_error, ''),
COALESCE(order_reference, ''), created_at, updated_at`

func (s PgStore) Record(ctx context.Context, rec Record) (Record, bool, error) {
	if s.Conn == nil {
		return Record{}, false, errors.New("reconcile: store not configured")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	rows, err := s.Conn.Query(ctx, `INSERT INTO charge_outbox
(id, payment_intent_id, session_id, customer_id, customer_email, cart_key, amount_minor, currency, order_payload, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (payment_intent_id) DO NOTHING
RETURNING `+recordColumns,
		rec.ID, rec.PaymentIntentID, rec.SessionID, rec.CustomerID, rec.CustomerEmail, rec.CartKey,
		rec.AmountMinor, strings.ToUpper(rec.Currency), []byte(rec.Order), rec.Status)
	if err != nil {
		return Record{}, false, err
	}
	stored, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := s.Get(ctx, rec.PaymentIntentID)
		return existing, false, err
	}
	if err != nil {
		return Record{}, false, err
	}
	return stored, true, nil
}

func (s PgStore) Get(ctx context.Context, paymentIntentID string) (Record, error) {
	if s.Conn == nil {
		return Record{}, errors.New("reconcile: store not configured")
	}
	rows, err := s.Conn.Query(ctx, `SELECT `+recordColumns+` FROM charge_outbox WHERE payment_intent_id = $1`, paymentIntentID)
	if err != nil {
		return Record{}, err
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s PgStore) MarkCreated(ctx context.Context, paymentIntentID, orderReference string) error {
	tag, err := s.Conn.Exec(ctx, `UPDATE charge_outbox
SET status = $2, order_reference = $3, last_error = NULL, updated_at = now()
WHERE payment_intent_id = $1`, paymentIntentID, StatusCreated, orderReference)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a failed attempt. A created record is never downgraded.
func (s PgStore) MarkFailed(ctx context.Context, paymentIntentID, status, reason string) error {
	tag, err := s.Conn.Exec(ctx, `UPDATE charge_outbox
SET status = $2, last_error = $3, attempts = attempts + 1, updated_at = now()
WHERE payment_intent_id = $1 AND status <> $4`, paymentIntentID, status, reason, StatusCreated)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s PgStore) List(ctx context.Context, status string, limit, offset int) ([]Record, error) {
	limit = min(max(limit, 1), maxPageSize)
	offset = max(offset, 0)
	rows, err := s.Conn.Query(ctx, `SELECT `+recordColumns+` FROM charge_outbox
WHERE ($1 = '' OR status = $1) ORDER BY updated_at DESC LIMIT $2 OFFSET $3`, strings.TrimSpace(status), limit, offset)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanRecord)
}

// Count returns the number of records with status, or all records when status is empty.
func (s PgStore) Count(ctx context.Context, status string) (int, error) {
	var n int
	err := s.Conn.QueryRow(ctx, `SELECT count(*) FROM charge_outbox WHERE ($1 = '' OR status = $1)`,
		strings.TrimSpace(status)).Scan(&n)
	return n, err
}

func scanRecord(row pgx.CollectableRow) (Record, error) {
	var rec Record
	var payload []byte
	err := row.Scan(&rec.ID, &rec.PaymentIntentID, &rec.SessionID, &rec.CustomerID, &rec.CustomerEmail, &rec.CartKey,
		&rec.AmountMinor, &rec.Currency, &payload, &rec.Status, &rec.Attempts, &rec.LastError,
		&rec.OrderReference, &rec.CreatedAt, &rec.UpdatedAt)
	rec.Order = payload
	return rec, err
}
