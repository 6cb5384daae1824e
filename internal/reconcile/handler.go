package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/panel-checkout/internal/events"
	"github.com/noah-isme/panel-checkout/internal/notify"
	"github.com/noah-isme/panel-checkout/internal/obs"
	"github.com/noah-isme/panel-checkout/internal/panelapi"
	"github.com/noah-isme/panel-checkout/internal/queue"
)

// OrderCreator is satisfied by *panelapi.Client.
type OrderCreator interface {
	CreateOrder(ctx context.Context, idempotencyKey string, in panelapi.CreateOrderRequest) (panelapi.CreateOrderResponse, error)
}

// Confirmer finishes the storefront side of a reconciled order: confirmation
// view and cart cleanup.
type Confirmer interface {
	ConfirmReconciled(ctx context.Context, rec Record, orderReference string) error
}

// Emitter is satisfied by *events.Bus.
type Emitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Handler retries order creation for charges recorded in the outbox. The
// payment intent id doubles as the panel idempotency key, so a retry after an
// unobserved success cannot create a second order.
type Handler struct {
	Store     Store
	Orders    OrderCreator
	Confirmer Confirmer
	Events    Emitter
	Logger    zerolog.Logger
}

// Handle processes one queue task whose payload is a payment intent id.
func (h Handler) Handle(ctx context.Context, t queue.Task) error {
	if h.Store == nil || h.Orders == nil {
		return errors.New("reconcile: handler not configured")
	}
	intentID := strings.TrimSpace(string(t.Payload))
	log := h.Logger.With().Str("payment_intent_id", intentID).Int("attempt", t.Attempt).Logger()

	rec, err := h.Store.Get(ctx, intentID)
	if errors.Is(err, ErrNotFound) {
		log.Warn().Msg("reconcile task without outbox record")
		recordAttempt("missing")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load charge record: %w", err)
	}
	if rec.Status == StatusCreated {
		recordAttempt("already_created")
		return nil
	}

	var order panelapi.CreateOrderRequest
	if err := json.Unmarshal(rec.Order, &order); err != nil {
		log.Error().Err(err).Msg("stored order payload unreadable")
		h.escalate(ctx, rec, t.Attempt, "stored order payload unreadable")
		recordAttempt("invalid")
		return nil
	}

	resp, err := h.Orders.CreateOrder(ctx, rec.PaymentIntentID, order)
	if err != nil {
		if permanent(err) {
			log.Error().Err(err).Msg("panel rejected reconciled order")
			h.escalate(ctx, rec, t.Attempt, err.Error())
			recordAttempt("rejected")
			return nil
		}
		if markErr := h.Store.MarkFailed(ctx, rec.PaymentIntentID, StatusRetrying, err.Error()); markErr != nil {
			log.Warn().Err(markErr).Msg("record reconcile failure")
		}
		recordAttempt("retry")
		return err
	}

	ref := resp.Reference()
	if err := h.Store.MarkCreated(ctx, rec.PaymentIntentID, ref); err != nil {
		log.Error().Err(err).Str("order_reference", ref).Msg("order created but outbox not updated")
	}
	if h.Confirmer != nil {
		if err := h.Confirmer.ConfirmReconciled(ctx, rec, ref); err != nil {
			log.Warn().Err(err).Msg("confirm reconciled order")
		}
	}
	if h.Events != nil {
		_, err := h.Events.Emit(ctx, events.TopicOrderReconciled, rec.SessionID, map[string]any{
			"payment_intent_id": rec.PaymentIntentID,
			"order_reference":   ref,
			"customer_id":       rec.CustomerID,
			"attempt":           t.Attempt,
		})
		if err != nil {
			log.Warn().Err(err).Msg("emit reconciled event")
		}
	}
	recordAttempt("created")
	log.Info().Str("order_reference", ref).Msg("order reconciled")
	return nil
}

// DeadLetter escalates a charge whose reconciliation attempts are exhausted.
func (h Handler) DeadLetter(ctx context.Context, t queue.Task, cause error) {
	intentID := strings.TrimSpace(string(t.Payload))
	rec, err := h.Store.Get(ctx, intentID)
	if err != nil {
		h.Logger.Error().Err(err).Str("payment_intent_id", intentID).Msg("dead-lettered reconcile task without record")
		return
	}
	reason := "reconciliation attempts exhausted"
	if cause != nil {
		reason = cause.Error()
	}
	recordAttempt("exhausted")
	h.escalate(ctx, rec, t.Attempt, reason)
}

func (h Handler) escalate(ctx context.Context, rec Record, attempts int, reason string) {
	if err := h.Store.MarkFailed(ctx, rec.PaymentIntentID, StatusAttention, reason); err != nil {
		h.Logger.Warn().Err(err).Str("payment_intent_id", rec.PaymentIntentID).Msg("mark charge for attention")
	}
	if h.Events == nil {
		return
	}
	if attempts < 1 {
		attempts = 1
	}
	_, err := h.Events.Emit(ctx, events.TopicReconciliationRequired, rec.SessionID, notify.ReconciliationAlert{
		PaymentIntentID: rec.PaymentIntentID,
		SessionID:       rec.SessionID,
		CustomerID:      rec.CustomerID,
		CustomerEmail:   rec.CustomerEmail,
		AmountMinor:     rec.AmountMinor,
		Currency:        rec.Currency,
		Reason:          reason,
		Attempts:        attempts,
		RaisedAt:        time.Now().UTC(),
	})
	if err != nil {
		h.Logger.Error().Err(err).Str("payment_intent_id", rec.PaymentIntentID).Msg("emit reconciliation alert")
	}
}

// permanent reports whether retrying the same payload cannot succeed.
func permanent(err error) bool {
	var apiErr *panelapi.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

func recordAttempt(result string) {
	if obs.ReconcileAttemptsTotal != nil {
		obs.ReconcileAttemptsTotal.WithLabelValues(result).Inc()
	}
}
