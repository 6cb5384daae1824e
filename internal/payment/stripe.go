package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/panel-checkout/internal/resilience"
)

// Stripe verifies payment intents and webhooks against the Stripe API.
type Stripe struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	HTTP          resilience.HTTPClient
	// Tolerance bounds the age of a webhook timestamp.
	Tolerance time.Duration
	Now       func() time.Time
}

type stripeIntent struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	AmountReceived   int64             `json:"amount_received"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// Verify fetches the payment intent and normalises it into a Charge.
func (s Stripe) Verify(ctx context.Context, intentID string) (Charge, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return Charge{}, errors.New("payment intent id is required")
	}
	if strings.TrimSpace(s.SecretKey) == "" {
		return Charge{}, ErrNotConfigured
	}
	ctx, span := otel.Tracer("payment.Stripe").Start(ctx, "Stripe.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("payment.intent_id", intentID))

	endpoint := fmt.Sprintf("%s/v1/payment_intents/%s", s.baseURL(), url.PathEscape(intentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Charge{}, err
	}
	req.SetBasicAuth(s.SecretKey, "")
	req.Header.Set("Accept", "application/json")

	resp, err := s.HTTP.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		return Charge{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Charge{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return Charge{}, fmt.Errorf("payment intent %s not found: %w", intentID, ErrChargeFailed)
	}
	if resp.StatusCode >= 400 {
		return Charge{}, fmt.Errorf("stripe responded %d: %w", resp.StatusCode, ErrUnavailable)
	}
	var intent stripeIntent
	if err := json.Unmarshal(body, &intent); err != nil {
		return Charge{}, fmt.Errorf("decode payment intent: %w", err)
	}
	charge := intent.charge()
	span.SetAttributes(attribute.String("payment.status", charge.Status))
	return charge, nil
}

// VerifyWebhook checks the Stripe-Signature header and decodes payment intent events.
func (s Stripe) VerifyWebhook(r *http.Request, body []byte) (WebhookEvent, error) {
	if strings.TrimSpace(s.WebhookSecret) == "" {
		return WebhookEvent{}, ErrNotConfigured
	}
	ts, sigs := parseStripeSignature(r.Header.Get("Stripe-Signature"))
	if ts == "" || len(sigs) == 0 {
		return WebhookEvent{Valid: false, Err: errors.New("missing signature")}, nil
	}
	expected := ComputeStripeSignature(s.WebhookSecret, ts, body)
	matched := false
	for _, sig := range sigs {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			matched = true
			break
		}
	}
	if !matched {
		return WebhookEvent{Valid: false, Err: errors.New("invalid signature")}, nil
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return WebhookEvent{Valid: false, Err: fmt.Errorf("invalid timestamp: %w", err)}, nil
	}
	if age := s.now().Sub(time.Unix(unix, 0)); age > s.tolerance() || age < -s.tolerance() {
		return WebhookEvent{Valid: false, Err: errors.New("timestamp outside tolerance")}, nil
	}

	var event struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object stripeIntent `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return WebhookEvent{Valid: false, Err: err}, nil
	}
	return WebhookEvent{
		Valid:   true,
		EventID: event.ID,
		Type:    event.Type,
		Charge:  event.Data.Object.charge(),
	}, nil
}

// ComputeStripeSignature returns the v1 signature for a webhook payload:
// HMAC-SHA256 over "<ts>.<body>" keyed by the endpoint secret.
func ComputeStripeSignature(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(ts))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseStripeSignature(header string) (string, []string) {
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts = value
		case "v1":
			sigs = append(sigs, value)
		}
	}
	return ts, sigs
}

func (i stripeIntent) charge() Charge {
	amount := i.AmountReceived
	if amount == 0 {
		amount = i.Amount
	}
	c := Charge{
		IntentID: i.ID,
		Amount:   amount,
		Currency: strings.ToUpper(i.Currency),
		Status:   normaliseStripeStatus(i.Status),
		Metadata: i.Metadata,
	}
	if i.LastPaymentError != nil {
		c.FailureReason = i.LastPaymentError.Message
	}
	return c
}

func normaliseStripeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "succeeded":
		return StatusSucceeded
	case "processing", "requires_capture":
		return StatusProcessing
	case "canceled":
		return StatusCanceled
	default:
		return StatusFailed
	}
}

func (s Stripe) baseURL() string {
	base := strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	if base == "" {
		return "https://api.stripe.com"
	}
	return base
}

func (s Stripe) tolerance() time.Duration {
	if s.Tolerance <= 0 {
		return 5 * time.Minute
	}
	return s.Tolerance
}

func (s Stripe) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
