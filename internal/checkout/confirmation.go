package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/panel-checkout/internal/panelapi"
	"github.com/noah-isme/panel-checkout/internal/pricing"
)

// Confirmation is what the confirmation view shows after an order exists.
type Confirmation struct {
	SessionID       string                      `json:"session_id"`
	CustomerID      string                      `json:"customer_id"`
	OrderReference  string                      `json:"order_reference"`
	PaymentMethod   string                      `json:"payment_method"`
	PaymentIntentID string                      `json:"payment_intent_id,omitempty"`
	Currency        string                      `json:"currency"`
	Order           panelapi.CreateOrderRequest `json:"order"`
	Breakdown       *pricing.PeriodBreakdown    `json:"breakdown,omitempty"`
	RedirectURL     string                      `json:"redirect_url"`
	CreatedAt       time.Time                   `json:"created_at"`
}

// ConfirmationStore persists confirmations by session id.
type ConfirmationStore interface {
	SaveConfirmation(ctx context.Context, c Confirmation) error
	Confirmation(ctx context.Context, sessionID string) (Confirmation, error)
}

// RedisConfirmations keeps confirmations in Redis for TTL.
type RedisConfirmations struct {
	R      *redis.Client
	Prefix string
	TTL    time.Duration
}

func (s RedisConfirmations) SaveConfirmation(ctx context.Context, c Confirmation) error {
	if s.R == nil {
		return errors.New("checkout: redis client not configured")
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return s.R.Set(ctx, s.key(c.SessionID), raw, ttl).Err()
}

func (s RedisConfirmations) Confirmation(ctx context.Context, sessionID string) (Confirmation, error) {
	if s.R == nil {
		return Confirmation{}, errors.New("checkout: redis client not configured")
	}
	raw, err := s.R.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Confirmation{}, ErrConfirmationNotFound
	}
	if err != nil {
		return Confirmation{}, err
	}
	var c Confirmation
	if err := json.Unmarshal(raw, &c); err != nil {
		return Confirmation{}, err
	}
	return c, nil
}

func (s RedisConfirmations) key(sessionID string) string {
	if s.Prefix == "" {
		return "checkout:confirmation:" + sessionID
	}
	return s.Prefix + sessionID
}
