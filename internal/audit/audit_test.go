package audit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/panel-checkout/internal/audit"
	"github.com/noah-isme/panel-checkout/internal/common"
)

type memoryStore struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (s *memoryStore) Insert(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *memoryStore) List(_ context.Context, limit, offset int) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset >= len(s.entries) {
		return nil, nil
	}
	return s.entries[offset:min(len(s.entries), offset+limit)], nil
}

func (s *memoryStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), s.err
}

func newAdminRouter(store *memoryStore, onErr func(error)) http.Handler {
	rec := audit.HTTPRecorder{Service: &audit.Service{Store: store, Enabled: true}, OnError: onErr}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Route("/api/v1/admin", func(admin chi.Router) {
		admin.Use(rec.Middleware)
		admin.Get("/reconciliation", func(w http.ResponseWriter, r *http.Request) {})
		admin.Post("/reconciliation/{paymentIntentID}/retry", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})
		admin.Get("/audit", audit.Handler{Store: store}.List)
	})
	return r
}

func TestRecorderAuditsMutatingRequests(t *testing.T) {
	store := &memoryStore{}
	router := newAdminRouter(store, nil)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/admin/reconciliation", nil))
	require.Empty(t, store.entries)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconciliation/pi_42/retry?force=1", nil)
	req.Header.Set(audit.OperatorHeader, "ops-jane")
	req.RemoteAddr = "10.0.0.9:4000"
	router.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, store.entries, 1)
	e := store.entries[0]
	require.Equal(t, "ops-jane", e.Actor)
	require.Equal(t, "POST /api/v1/admin/reconciliation/{paymentIntentID}/retry", e.Action)
	require.Equal(t, "reconciliation.retry", e.Resource)
	require.Equal(t, "pi_42", e.ResourceID)
	require.Equal(t, http.StatusAccepted, e.Status)
	require.Equal(t, "10.0.0.9", e.ClientIP)
	require.NotEmpty(t, e.RequestID)
	require.JSONEq(t, `{"query":"force=1"}`, string(e.Metadata))
}

func TestRecorderReportsStoreErrors(t *testing.T) {
	store := &memoryStore{err: errors.New("db down")}
	var got error
	router := newAdminRouter(store, func(err error) { got = err })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconciliation/pi_1/retry", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.EqualError(t, got, "db down")
}

func TestServiceDisabledSkipsStore(t *testing.T) {
	store := &memoryStore{}
	svc := audit.Service{Store: store}
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	require.NoError(t, svc.Record(context.Background(), req, "", "", 0, nil))
	require.Empty(t, store.entries)

	svc.Enabled = true
	require.NoError(t, svc.Record(context.Background(), req, "", "", 0, nil))
	require.Equal(t, "operator", store.entries[0].Actor)
	require.Equal(t, "POST /x", store.entries[0].Action)
	require.Equal(t, http.StatusOK, store.entries[0].Status)
}

func TestHandlerListsEntries(t *testing.T) {
	store := &memoryStore{}
	router := newAdminRouter(store, nil)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconciliation/pi_1/retry", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconciliation/pi_2/retry", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit?limit=1&page=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data       []audit.Entry     `json:"data"`
		Pagination common.Pagination `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	require.Equal(t, "pi_2", body.Data[0].ResourceID)
	require.Equal(t, common.Pagination{Page: 2, PerPage: 1, TotalItems: 2, TotalPages: 2}, body.Pagination)
}
