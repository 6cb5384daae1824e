package payment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/panel-checkout/internal/common"
	"github.com/noah-isme/panel-checkout/internal/obs"
)

// ReplayGuard claims a webhook event so concurrent or repeated deliveries are processed once.
type ReplayGuard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// ChargeConfirmer turns a confirmed charge into an order.
type ChargeConfirmer interface {
	ChargeSucceeded(ctx context.Context, charge Charge) error
}

// Webhook handles payment processor callbacks.
type Webhook struct {
	Providers map[string]WebhookVerifier
	Replay    ReplayGuard
	ReplayTTL time.Duration
	Charges   ChargeConfirmer
	Logger    zerolog.Logger
}

const eventIntentSucceeded = "payment_intent.succeeded"

// Handle verifies the callback for the provider in the URL and forwards successful charges.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	providerKey := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	if h.Providers == nil || h.Charges == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	provider, ok := h.Providers[providerKey]
	if !ok {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	event, err := provider.VerifyWebhook(r, body)
	if err != nil {
		recordWebhook(providerKey, "error")
		status := http.StatusBadRequest
		if errors.Is(err, ErrNotConfigured) {
			status = http.StatusInternalServerError
		}
		common.JSONError(w, status, "WEBHOOK_INVALID", err.Error(), nil)
		return
	}
	if !event.Valid {
		recordWebhook(providerKey, "invalid_signature")
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
		return
	}
	if event.Type != eventIntentSucceeded {
		recordWebhook(providerKey, "ignored")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ctx := r.Context()
	key := replayKey(providerKey, event.EventID, body)
	if h.Replay != nil && h.ReplayTTL > 0 {
		claimed, err := h.Replay.Acquire(ctx, key, h.ReplayTTL)
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "REPLAY_STORE_ERROR", err.Error(), nil)
			return
		}
		if !claimed {
			recordWebhook(providerKey, "duplicate")
			common.JSON(w, http.StatusOK, map[string]any{"duplicate": true})
			return
		}
	}

	if err := h.Charges.ChargeSucceeded(ctx, event.Charge); err != nil {
		if h.Replay != nil && h.ReplayTTL > 0 {
			// let the processor's retry reach us again
			_ = h.Replay.Release(context.WithoutCancel(ctx), key)
		}
		recordWebhook(providerKey, "failed")
		h.Logger.Error().Err(err).
			Str("provider", providerKey).
			Str("event_id", event.EventID).
			Str("payment_intent_id", event.Charge.IntentID).
			Msg("payment webhook processing failed")
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_PROCESSING_FAILED", "unable to process charge", nil)
		return
	}
	recordWebhook(providerKey, "processed")
	w.WriteHeader(http.StatusNoContent)
}

func replayKey(provider, eventID string, body []byte) string {
	if strings.TrimSpace(eventID) == "" {
		eventID = common.Digest(body, 0)
	}
	return fmt.Sprintf("wh:%s:%s", provider, eventID)
}

func recordWebhook(provider, result string) {
	if obs.PaymentWebhookTotal != nil {
		obs.PaymentWebhookTotal.WithLabelValues(provider, result).Inc()
	}
}
