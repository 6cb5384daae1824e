package reconcile_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/panel-checkout/internal/common"
	"github.com/noah-isme/panel-checkout/internal/events"
	"github.com/noah-isme/panel-checkout/internal/notify"
	"github.com/noah-isme/panel-checkout/internal/panelapi"
	"github.com/noah-isme/panel-checkout/internal/queue"
	"github.com/noah-isme/panel-checkout/internal/reconcile"
)

type memoryStore struct {
	mu      sync.Mutex
	records map[string]reconcile.Record
}

func newMemoryStore(recs ...reconcile.Record) *memoryStore {
	s := &memoryStore{records: map[string]reconcile.Record{}}
	for _, r := range recs {
		s.records[r.PaymentIntentID] = r
	}
	return s
}

func (s *memoryStore) Record(_ context.Context, rec reconcile.Record) (reconcile.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.PaymentIntentID]; ok {
		return existing, false, nil
	}
	s.records[rec.PaymentIntentID] = rec
	return rec, true, nil
}

func (s *memoryStore) Get(_ context.Context, id string) (reconcile.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return reconcile.Record{}, reconcile.ErrNotFound
	}
	return rec, nil
}

func (s *memoryStore) MarkCreated(_ context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return reconcile.ErrNotFound
	}
	rec.Status, rec.OrderReference, rec.LastError = reconcile.StatusCreated, ref, ""
	s.records[id] = rec
	return nil
}

func (s *memoryStore) MarkFailed(_ context.Context, id, status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status == reconcile.StatusCreated {
		return reconcile.ErrNotFound
	}
	rec.Status, rec.LastError = status, reason
	rec.Attempts++
	s.records[id] = rec
	return nil
}

func (s *memoryStore) List(_ context.Context, status string, _, _ int) ([]reconcile.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reconcile.Record
	for _, r := range s.records {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memoryStore) Count(ctx context.Context, status string) (int, error) {
	out, err := s.List(ctx, status, 0, 0)
	return len(out), err
}

type stubOrders struct {
	calls []string
	err   error
	resp  panelapi.CreateOrderResponse
}

func (s *stubOrders) CreateOrder(_ context.Context, key string, _ panelapi.CreateOrderRequest) (panelapi.CreateOrderResponse, error) {
	s.calls = append(s.calls, key)
	return s.resp, s.err
}

type recordedEvent struct {
	topic   string
	payload any
}

type stubEmitter struct {
	events []recordedEvent
}

func (s *stubEmitter) Emit(_ context.Context, topic, _ string, payload any) (events.Event, error) {
	s.events = append(s.events, recordedEvent{topic: topic, payload: payload})
	return events.Event{Topic: topic}, nil
}

type stubConfirmer struct {
	refs []string
}

func (s *stubConfirmer) ConfirmReconciled(_ context.Context, _ reconcile.Record, ref string) error {
	s.refs = append(s.refs, ref)
	return nil
}

func pendingRecord(t *testing.T) reconcile.Record {
	t.Helper()
	payload, err := json.Marshal(panelapi.CreateOrderRequest{CustomerID: "cust-1", BillingPeriods: 1, PaymentMethod: "stripe"})
	require.NoError(t, err)
	return reconcile.Record{
		PaymentIntentID: "pi_1",
		SessionID:       "sess-1",
		CustomerID:      "cust-1",
		AmountMinor:     28000,
		Currency:        "USD",
		Order:           payload,
		Status:          reconcile.StatusPending,
	}
}

func TestHandlerCreatesOrderWithIntentKey(t *testing.T) {
	store := newMemoryStore(pendingRecord(t))
	orders := &stubOrders{resp: panelapi.CreateOrderResponse{ID: "ord-77"}}
	emitter := &stubEmitter{}
	confirmer := &stubConfirmer{}
	h := reconcile.Handler{Store: store, Orders: orders, Confirmer: confirmer, Events: emitter, Logger: zerolog.New(io.Discard)}

	require.NoError(t, h.Handle(context.Background(), queue.Task{Payload: []byte("pi_1"), Attempt: 1}))
	require.Equal(t, []string{"pi_1"}, orders.calls)
	require.Equal(t, []string{"ord-77"}, confirmer.refs)

	rec, err := store.Get(context.Background(), "pi_1")
	require.NoError(t, err)
	require.Equal(t, reconcile.StatusCreated, rec.Status)
	require.Equal(t, "ord-77", rec.OrderReference)
	require.Len(t, emitter.events, 1)
	require.Equal(t, events.TopicOrderReconciled, emitter.events[0].topic)

	// a redelivered task after success is a no-op
	require.NoError(t, h.Handle(context.Background(), queue.Task{Payload: []byte("pi_1"), Attempt: 2}))
	require.Len(t, orders.calls, 1)
}

func TestHandlerRetriesTransientFailures(t *testing.T) {
	store := newMemoryStore(pendingRecord(t))
	orders := &stubOrders{err: panelapi.ErrUnavailable}
	emitter := &stubEmitter{}
	h := reconcile.Handler{Store: store, Orders: orders, Events: emitter, Logger: zerolog.New(io.Discard)}

	err := h.Handle(context.Background(), queue.Task{Payload: []byte("pi_1"), Attempt: 1})
	require.ErrorIs(t, err, panelapi.ErrUnavailable)
	rec, _ := store.Get(context.Background(), "pi_1")
	require.Equal(t, reconcile.StatusRetrying, rec.Status)
	require.Equal(t, 1, rec.Attempts)
	require.Empty(t, emitter.events)
}

func TestHandlerEscalatesRejectedOrders(t *testing.T) {
	store := newMemoryStore(pendingRecord(t))
	orders := &stubOrders{err: &panelapi.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "invalid product"}}
	emitter := &stubEmitter{}
	h := reconcile.Handler{Store: store, Orders: orders, Events: emitter, Logger: zerolog.New(io.Discard)}

	require.NoError(t, h.Handle(context.Background(), queue.Task{Payload: []byte("pi_1"), Attempt: 2}))
	rec, _ := store.Get(context.Background(), "pi_1")
	require.Equal(t, reconcile.StatusAttention, rec.Status)
	require.Len(t, emitter.events, 1)
	require.Equal(t, events.TopicReconciliationRequired, emitter.events[0].topic)
	alert, ok := emitter.events[0].payload.(notify.ReconciliationAlert)
	require.True(t, ok)
	require.Equal(t, 2, alert.Attempts)
	require.Equal(t, int64(28000), alert.AmountMinor)
}

func TestDeadLetterRaisesExhaustedAlert(t *testing.T) {
	store := newMemoryStore(pendingRecord(t))
	emitter := &stubEmitter{}
	h := reconcile.Handler{Store: store, Orders: &stubOrders{}, Events: emitter, Logger: zerolog.New(io.Discard)}

	h.DeadLetter(context.Background(), queue.Task{Payload: []byte("pi_1"), Attempt: 8}, errors.New("panel down"))
	rec, _ := store.Get(context.Background(), "pi_1")
	require.Equal(t, reconcile.StatusAttention, rec.Status)
	require.Equal(t, "panel down", rec.LastError)
	alert := emitter.events[0].payload.(notify.ReconciliationAlert)
	require.Equal(t, 8, alert.Attempts)
}

func TestHandlerIgnoresUnknownIntent(t *testing.T) {
	h := reconcile.Handler{Store: newMemoryStore(), Orders: &stubOrders{}, Logger: zerolog.New(io.Discard)}
	require.NoError(t, h.Handle(context.Background(), queue.Task{Payload: []byte("pi_missing")}))
}

func TestSchedulerDeduplicatesByIntent(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	enq := queue.Enqueuer{R: client, Prefix: "test"}
	s := reconcile.Scheduler{Queue: enq, MaxAttempts: 5}
	require.NoError(t, s.Schedule(context.Background(), "pi_1"))
	require.NoError(t, s.Schedule(context.Background(), "pi_1"))
	require.Error(t, s.Schedule(context.Background(), " "))

	ready, _, err := enq.Depth(context.Background(), reconcile.TaskKind)
	require.NoError(t, err)
	require.Equal(t, int64(1), ready)
}

type stubScheduler struct {
	scheduled []string
}

func (s *stubScheduler) Schedule(_ context.Context, id string) error {
	s.scheduled = append(s.scheduled, id)
	return nil
}

func TestAdminRetry(t *testing.T) {
	created := pendingRecord(t)
	created.PaymentIntentID = "pi_done"
	created.Status = reconcile.StatusCreated
	store := newMemoryStore(pendingRecord(t), created)
	sched := &stubScheduler{}
	h := &reconcile.AdminHandler{Store: store, Scheduler: sched, Logger: zerolog.New(io.Discard)}
	r := chi.NewRouter()
	r.Route("/admin/reconciliation", h.Routes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/reconciliation/pi_1/retry", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"pi_1"}, sched.scheduled)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/reconciliation/pi_done/retry", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/reconciliation/pi_nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/reconciliation/?status=created", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data []reconcile.Record `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	require.Equal(t, "pi_done", body.Data[0].PaymentIntentID)
}

func TestAdminListReportsMatchingTotal(t *testing.T) {
	second := pendingRecord(t)
	second.PaymentIntentID = "pi_2"
	third := pendingRecord(t)
	third.PaymentIntentID = "pi_3"
	store := &pagedStore{memoryStore: newMemoryStore(pendingRecord(t), second, third)}
	h := &reconcile.AdminHandler{Store: store, Logger: zerolog.New(io.Discard)}
	r := chi.NewRouter()
	r.Route("/admin/reconciliation", h.Routes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/reconciliation/?status=pending&limit=2&page=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data       []reconcile.Record `json:"data"`
		Pagination common.Pagination  `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	require.Equal(t, common.Pagination{Page: 2, PerPage: 2, TotalItems: 3, TotalPages: 2}, body.Pagination)
	require.Equal(t, []int{2, 2}, store.seen)
}

// pagedStore applies limit and offset, which memoryStore ignores.
type pagedStore struct {
	*memoryStore
	seen []int
}

func (s *pagedStore) List(ctx context.Context, status string, limit, offset int) ([]reconcile.Record, error) {
	s.seen = []int{limit, offset}
	all, err := s.memoryStore.List(ctx, status, 0, 0)
	if err != nil || offset >= len(all) {
		return nil, err
	}
	return all[offset:min(len(all), offset+limit)], nil
}

func TestSweeperSchedulesStalePendingRecords(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	stale := pendingRecord(t)
	stale.CreatedAt = now.Add(-10 * time.Minute)
	fresh := pendingRecord(t)
	fresh.PaymentIntentID = "pi_fresh"
	fresh.CreatedAt = now.Add(-10 * time.Second)
	done := pendingRecord(t)
	done.PaymentIntentID = "pi_done"
	done.Status = reconcile.StatusCreated
	done.CreatedAt = now.Add(-time.Hour)

	sched := &stubScheduler{}
	sweeper := reconcile.Sweeper{
		Store:     newMemoryStore(stale, fresh, done),
		Scheduler: sched,
		Grace:     2 * time.Minute,
		Now:       func() time.Time { return now },
		Logger:    zerolog.Nop(),
	}
	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"pi_1"}, sched.scheduled)
}
