package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/panel-checkout/internal/cart"
	"github.com/noah-isme/panel-checkout/internal/coupon"
	"github.com/noah-isme/panel-checkout/internal/panelapi"
)

// Session is the server-side state of one storefront checkout.
type Session struct {
	ID         string        `json:"id"`
	CustomerID string        `json:"customer_id"`
	Cart       cart.Snapshot `json:"cart"`
	Periods    int           `json:"periods"`
	State      State         `json:"state"`

	CouponCode    string                `json:"coupon_code,omitempty"`
	Coupon        *coupon.Application   `json:"coupon,omitempty"`
	CouponMessage string                `json:"coupon_message,omitempty"`
	CouponSeq     uint64                `json:"coupon_seq"`
	Billing       *panelapi.BillingInfo `json:"billing,omitempty"`

	PaymentMethod   string    `json:"payment_method,omitempty"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty"`
	SubmittingSince time.Time `json:"submitting_since,omitempty"`
	OrderReference  string    `json:"order_reference,omitempty"`
	LastError       string    `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// resetCoupon discards any applied or in-flight coupon result.
func (s *Session) resetCoupon() {
	s.CouponSeq++
	s.Coupon = nil
	s.CouponMessage = ""
}

// Store persists sessions.
type Store interface {
	Get(ctx context.Context, id string) (Session, error)
	Save(ctx context.Context, s Session) error
}

// RedisStore keeps sessions as JSON documents with a sliding TTL.
type RedisStore struct {
	R      *redis.Client
	Prefix string
	TTL    time.Duration
}

func (s RedisStore) Get(ctx context.Context, id string) (Session, error) {
	if s.R == nil {
		return Session{}, errors.New("checkout: redis client not configured")
	}
	raw, err := s.R.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s RedisStore) Save(ctx context.Context, sess Session) error {
	if s.R == nil {
		return errors.New("checkout: redis client not configured")
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.R.Set(ctx, s.key(sess.ID), raw, s.ttl()).Err()
}

func (s RedisStore) key(id string) string {
	if s.Prefix == "" {
		return "checkout:session:" + id
	}
	return s.Prefix + id
}

func (s RedisStore) ttl() time.Duration {
	if s.TTL <= 0 {
		return 2 * time.Hour
	}
	return s.TTL
}

// MemoryStore is a process-local Store for single-instance deployments and tests.
type MemoryStore struct {
	TTL time.Duration
	Now func() time.Time

	mu       sync.Mutex
	sessions map[string]memoryEntry
}

type memoryEntry struct {
	session   Session
	expiresAt time.Time
}

func (m *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		delete(m.sessions, id)
		return Session{}, ErrSessionNotFound
	}
	return entry.session, nil
}

func (m *MemoryStore) Save(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = make(map[string]memoryEntry)
	}
	entry := memoryEntry{session: s}
	if m.TTL > 0 {
		entry.expiresAt = m.now().Add(m.TTL)
	}
	m.sessions[s.ID] = entry
	return nil
}

func (m *MemoryStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// keyedMutex serialises state changes per session id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
