package payment

import (
	"context"
	"errors"
	"net/http"

	"github.com/noah-isme/panel-checkout/internal/pricing"
)

var (
	// ErrChargeFailed indicates the processor reports the charge as unsuccessful.
	ErrChargeFailed = errors.New("payment: charge not successful")
	// ErrChargePending indicates the charge has not settled yet.
	ErrChargePending = errors.New("payment: charge still processing")
	// ErrAmountMismatch indicates the charged amount differs from the quoted total.
	ErrAmountMismatch = errors.New("payment: charged amount mismatch")
	// ErrNotConfigured is returned when the processor adapter lacks credentials.
	ErrNotConfigured = errors.New("payment: processor not configured")
	// ErrUnavailable indicates the processor could not be reached.
	ErrUnavailable = errors.New("payment: processor unavailable")
)

// Charge status values normalised across processors.
const (
	StatusSucceeded  = "SUCCEEDED"
	StatusProcessing = "PROCESSING"
	StatusFailed     = "FAILED"
	StatusCanceled   = "CANCELED"
)

// MetadataSessionID is the charge metadata key carrying the checkout session.
const MetadataSessionID = "checkout_session_id"

// Charge is the processor's view of a payment.
type Charge struct {
	IntentID      string
	Amount        pricing.Money
	Currency      string
	Status        string
	FailureReason string
	Metadata      map[string]string
}

// SessionID returns the checkout session the charge was created for.
func (c Charge) SessionID() string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata[MetadataSessionID]
}

// Verifier confirms a charge the storefront reports as completed.
type Verifier interface {
	Verify(ctx context.Context, intentID string) (Charge, error)
}

// WebhookEvent is a signature-verified processor notification.
type WebhookEvent struct {
	Valid   bool
	EventID string
	Type    string
	Charge  Charge
	Err     error
}

// WebhookVerifier authenticates and decodes processor callbacks.
type WebhookVerifier interface {
	VerifyWebhook(r *http.Request, body []byte) (WebhookEvent, error)
}

// CheckSucceeded validates a charge against the expected total.
func CheckSucceeded(c Charge, expected pricing.Money) error {
	switch c.Status {
	case StatusSucceeded:
	case StatusProcessing:
		return ErrChargePending
	default:
		if c.FailureReason != "" {
			return errors.Join(ErrChargeFailed, errors.New(c.FailureReason))
		}
		return ErrChargeFailed
	}
	if c.Amount != expected {
		return ErrAmountMismatch
	}
	return nil
}
