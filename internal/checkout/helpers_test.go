package checkout_test

import (
	"context"
	"io"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/panel-checkout/internal/cart"
	"github.com/noah-isme/panel-checkout/internal/checkout"
	"github.com/noah-isme/panel-checkout/internal/coupon"
	"github.com/noah-isme/panel-checkout/internal/events"
	"github.com/noah-isme/panel-checkout/internal/lock"
	"github.com/noah-isme/panel-checkout/internal/panelapi"
	"github.com/noah-isme/panel-checkout/internal/payment"
	"github.com/noah-isme/panel-checkout/internal/pricing"
	"github.com/noah-isme/panel-checkout/internal/reconcile"
)

type stubCoupons struct {
	mu      sync.Mutex
	calls   []coupon.Request
	gates   map[string]chan struct{}
	entered chan string
	results map[string]func(coupon.Request) (coupon.Application, error)
}

func newStubCoupons() *stubCoupons {
	return &stubCoupons{
		gates:   map[string]chan struct{}{},
		entered: make(chan string, 64),
		results: map[string]func(coupon.Request) (coupon.Application, error){},
	}
}

func (s *stubCoupons) Validate(_ context.Context, req coupon.Request) (coupon.Application, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	gate := s.gates[req.Code]
	result := s.results[req.Code]
	s.mu.Unlock()
	s.entered <- req.Code
	if gate != nil {
		<-gate
	}
	if result == nil {
		return coupon.Application{Message: "This coupon cannot be applied", OrderAmount: req.Subtotal}, coupon.ErrRejected
	}
	return result(req)
}

func (s *stubCoupons) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func percentCoupon(code string, percent int64, firstPeriodOnly bool) func(coupon.Request) (coupon.Application, error) {
	return func(req coupon.Request) (coupon.Application, error) {
		return coupon.Application{
			Valid: true,
			Coupon: &coupon.Coupon{
				Code:                   code,
				Type:                   pricing.KindPercentage,
				DiscountValue:          decimal.NewFromInt(percent),
				FirstBillingPeriodOnly: firstPeriodOnly,
			},
			DiscountAmount: req.Subtotal * percent / 100,
			OrderAmount:    req.Subtotal,
		}, nil
	}
}

type stubOrders struct {
	mu      sync.Mutex
	calls   []orderCall
	gate    chan struct{}
	entered chan struct{}
	err     error
	resp    panelapi.CreateOrderResponse
}

type orderCall struct {
	key string
	req panelapi.CreateOrderRequest
}

func (s *stubOrders) CreateOrder(_ context.Context, key string, req panelapi.CreateOrderRequest) (panelapi.CreateOrderResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, orderCall{key: key, req: req})
	gate, entered, err, resp := s.gate, s.entered, s.err, s.resp
	s.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return resp, err
}

func (s *stubOrders) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubOrders) last() orderCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func (s *stubOrders) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type stubVerifier struct {
	charges map[string]payment.Charge
}

func (s stubVerifier) Verify(_ context.Context, id string) (payment.Charge, error) {
	c, ok := s.charges[id]
	if !ok {
		return payment.Charge{}, payment.ErrChargeFailed
	}
	return c, nil
}

type memOutbox struct {
	mu      sync.Mutex
	records map[string]reconcile.Record
}

func (m *memOutbox) Record(_ context.Context, rec reconcile.Record) (reconcile.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		m.records = map[string]reconcile.Record{}
	}
	if existing, ok := m.records[rec.PaymentIntentID]; ok {
		return existing, false, nil
	}
	rec.Status = reconcile.StatusPending
	m.records[rec.PaymentIntentID] = rec
	return rec, true, nil
}

func (m *memOutbox) MarkCreated(_ context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	rec.Status, rec.OrderReference = reconcile.StatusCreated, ref
	m.records[id] = rec
	return nil
}

func (m *memOutbox) MarkFailed(_ context.Context, id, status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	rec.Status, rec.LastError = status, reason
	rec.Attempts++
	m.records[id] = rec
	return nil
}

func (m *memOutbox) get(id string) reconcile.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}

type stubScheduler struct {
	mu        sync.Mutex
	scheduled []string
}

func (s *stubScheduler) Schedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, id)
	return nil
}

type stubEvents struct {
	mu     sync.Mutex
	topics []string
}

func (s *stubEvents) Emit(_ context.Context, topic, aggregateID string, _ any) (events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	return events.Event{Topic: topic, AggregateID: aggregateID}, nil
}

func (s *stubEvents) has(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.topics {
		if t == topic {
			return true
		}
	}
	return false
}

type fixture struct {
	svc       *checkout.Service
	coupons   *stubCoupons
	orders    *stubOrders
	outbox    *memOutbox
	scheduler *stubScheduler
	events    *stubEvents
	verifier  stubVerifier
	mr        *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		coupons:   newStubCoupons(),
		orders:    &stubOrders{resp: panelapi.CreateOrderResponse{ID: "ord-1001"}},
		outbox:    &memOutbox{},
		scheduler: &stubScheduler{},
		events:    &stubEvents{},
		verifier:  stubVerifier{charges: map[string]payment.Charge{}},
		mr:        mr,
	}
	f.svc = &checkout.Service{
		Sessions:      &checkout.MemoryStore{},
		Confirmations: checkout.RedisConfirmations{R: client},
		Coupons:       f.coupons,
		Orders:        f.orders,
		Payments:      f.verifier,
		Outbox:        f.outbox,
		Reconcile:     f.scheduler,
		Cart:          cart.RedisClearer{R: client},
		Locker:        lock.Locker{R: client},
		Events:        f.events,
		Options:       checkout.Options{Currency: "USD", MaxPeriods: 36},
		Logger:        zerolog.New(io.Discard),
	}
	return f
}

func sampleCart() cart.Snapshot {
	return cart.Snapshot{
		Key: "cart-abc",
		Entries: []cart.Entry{
			{ID: "vps-1", Name: "VPS Small", UnitPrice: decimal.RequireFromString("100.00"), Quantity: 2},
		},
	}
}

func sampleBilling() panelapi.BillingInfo {
	return panelapi.BillingInfo{
		CustomerName:  "Ada Lovelace",
		CustomerEmail: "ada@example.com",
		BillingAddress: panelapi.BillingAddress{
			Street:  "1 Analytical Way",
			City:    "London",
			ZipCode: "N1 9GU",
			Country: "GB",
		},
	}
}

func (f *fixture) startWithBilling(t *testing.T, periods int) checkout.Session {
	t.Helper()
	sess, err := f.svc.Start(context.Background(), "cust-1", sampleCart(), periods)
	require.NoError(t, err)
	sess, err = f.svc.SetBilling(context.Background(), "cust-1", sess.ID, sampleBilling())
	require.NoError(t, err)
	return sess
}

func (f *fixture) succeededCharge(intentID, sessionID string, amount pricing.Money) payment.Charge {
	c := payment.Charge{
		IntentID: intentID,
		Amount:   amount,
		Currency: "usd",
		Status:   payment.StatusSucceeded,
		Metadata: map[string]string{payment.MetadataSessionID: sessionID},
	}
	f.verifier.charges[intentID] = c
	return c
}
