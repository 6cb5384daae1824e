package common_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/panel-checkout/internal/common"
)

func TestClientIPUsesRemoteAddr(t *testing.T) {
	cases := []struct {
		name   string
		remote string
		want   string
	}{
		{"ipv4 with port", "203.0.113.7:4312", "203.0.113.7"},
		{"ipv6 with port", "[2001:db8::1]:443", "2001:db8::1"},
		{"mapped ipv4", "[::ffff:198.51.100.2]:80", "198.51.100.2"},
		{"bare address", "192.0.2.10", "192.0.2.10"},
		{"unparseable", "gateway", "gateway"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			req.Header.Set("X-Forwarded-For", "10.9.9.9")
			require.Equal(t, tc.want, common.ClientIP(req))
		})
	}
	require.Empty(t, common.ClientIP(nil))
}

func TestDigest(t *testing.T) {
	full := common.Digest([]byte("abc"), 0)
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", full)
	require.Equal(t, full[:24], common.Digest([]byte("abc"), 24))
	require.Equal(t, full, common.Digest([]byte("abc"), 99))
}

func TestParsePagination(t *testing.T) {
	cases := []struct {
		query string
		want  common.PageRequest
	}{
		{"", common.PageRequest{Page: 1, PerPage: 50}},
		{"page=3&limit=20", common.PageRequest{Page: 3, PerPage: 20}},
		{"page=-1&limit=abc", common.PageRequest{Page: 1, PerPage: 50}},
		{"limit=5000", common.PageRequest{Page: 1, PerPage: 200}},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/items?"+tc.query, nil)
		require.Equal(t, tc.want, common.ParsePagination(req, 50, 200), tc.query)
	}

	page := common.PageRequest{Page: 3, PerPage: 20}
	require.Equal(t, 40, page.Offset())
	require.Equal(t, common.Pagination{Page: 3, PerPage: 20, TotalItems: 41, TotalPages: 3}, page.Result(41))
	require.Equal(t, 0, page.Result(0).TotalPages)
}

func TestWriteErrorHidesUnknownErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	common.WriteError(rec, errors.New("pq: connection refused"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "connection refused")

	rec = httptest.NewRecorder()
	appErr := common.NewAppError("NOT_FOUND", "session not found", http.StatusNotFound, nil)
	common.WriteError(rec, fmt.Errorf("load: %w", appErr))
	require.Equal(t, http.StatusNotFound, rec.Code)
	var body struct {
		Error common.ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "NOT_FOUND", body.Error.Code)

	rec = httptest.NewRecorder()
	common.Data(rec, http.StatusCreated, map[string]int{"n": 1})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.JSONEq(t, `{"data":{"n":1}}`, rec.Body.String())
}
