// Package panelapi talks to the billing panel's REST API for coupon validation
// and order creation.
package panelapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/panel-checkout/internal/resilience"
)

var (
	// ErrUnavailable indicates a transport failure, a 5xx response or an open circuit.
	ErrUnavailable = errors.New("panel api unavailable")
	// ErrNotConfigured is returned when the client has no base URL.
	ErrNotConfigured = errors.New("panel api not configured")
)

// APIError is a 4xx response from the panel.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("panel api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("panel api: status %d: %s", e.StatusCode, e.Message)
}

// Client calls the panel REST API through the resilient HTTP wrapper.
type Client struct {
	BaseURL string
	Token   string
	HTTP    resilience.HTTPClient
}

// NewHTTPClient returns an instrumented http.Client for panel calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// ValidateCoupon asks the panel whether code applies to the given order.
func (c *Client) ValidateCoupon(ctx context.Context, in ValidateCouponRequest) (ValidateCouponResponse, error) {
	ctx, span := otel.Tracer("panelapi.Client").Start(ctx, "Client.ValidateCoupon")
	defer span.End()
	span.SetAttributes(attribute.String("coupon.code", in.Code))

	var out ValidateCouponResponse
	if _, err := c.post(ctx, "/coupons/validate", "", in, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validate coupon")
		return ValidateCouponResponse{}, err
	}
	span.SetAttributes(attribute.Bool("coupon.valid", out.Valid))
	return out, nil
}

// CreateOrder submits an order. idempotencyKey makes retries safe on the panel side.
func (c *Client) CreateOrder(ctx context.Context, idempotencyKey string, in CreateOrderRequest) (CreateOrderResponse, error) {
	ctx, span := otel.Tracer("panelapi.Client").Start(ctx, "Client.CreateOrder")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.payment_method", in.PaymentMethod),
		attribute.Int("order.items", len(in.Items)),
	)

	var out CreateOrderResponse
	raw, err := c.post(ctx, "/orders", idempotencyKey, in, &out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create order")
		return CreateOrderResponse{}, err
	}
	out.Raw = raw
	if out.Reference() == "" {
		err := fmt.Errorf("order response without id: %w", ErrUnavailable)
		span.RecordError(err)
		return CreateOrderResponse{}, err
	}
	span.SetAttributes(attribute.String("order.id", out.Reference()))
	return out, nil
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, in, out any) (json.RawMessage, error) {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return nil, ErrNotConfigured
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "panel-checkout/1.0")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrUnavailable, err)
	}
	if resp.StatusCode >= 400 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	payload := unwrapData(data)
	if err := json.Unmarshal(payload, out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}
	return payload, nil
}

// unwrapData strips a {"data": ...} envelope when present.
func unwrapData(data []byte) []byte {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && len(envelope.Data) > 0 && envelope.Data[0] == '{' {
		return envelope.Data
	}
	return data
}

func decodeAPIError(status int, data []byte) error {
	var body struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Message = body.Message
		switch e := body.Error.(type) {
		case string:
			if apiErr.Message == "" {
				apiErr.Message = e
			}
		case map[string]any:
			if code, ok := e["code"].(string); ok {
				apiErr.Code = code
			}
			if msg, ok := e["message"].(string); ok && apiErr.Message == "" {
				apiErr.Message = msg
			}
		}
	}
	return apiErr
}
