// Package audit records operator actions taken through the admin API.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/panel-checkout/internal/common"
	"github.com/noah-isme/panel-checkout/internal/db"
	"github.com/noah-isme/panel-checkout/internal/obs"
)

// Entry is one audited admin request.
type Entry struct {
	ID         uuid.UUID       `json:"id"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	Resource   string          `json:"resource"`
	ResourceID string          `json:"resource_id,omitempty"`
	Method     string          `json:"method"`
	Path       string          `json:"path"`
	Status     int             `json:"status"`
	ClientIP   string          `json:"client_ip,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Store persists audit entries.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	List(ctx context.Context, limit, offset int) ([]Entry, error)
	Count(ctx context.Context) (int, error)
}

// PgStore implements Store over the admin_audit_log table.
type PgStore struct {
	Conn db.DBTX
}

// Insert writes e.
func (s PgStore) Insert(ctx context.Context, e Entry) error {
	var metadata any
	if len(e.Metadata) > 0 {
		metadata = e.Metadata
	}
	_, err := s.Conn.Exec(ctx, `INSERT INTO admin_audit_log
(actor, action, resource, resource_id, method, path, status, client_ip, request_id, metadata)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10)`,
		e.Actor, e.Action, e.Resource, e.ResourceID, e.Method, e.Path, e.Status, e.ClientIP, e.RequestID, metadata)
	return err
}

// List returns entries newest first.
func (s PgStore) List(ctx context.Context, limit, offset int) ([]Entry, error) {
	rows, err := s.Conn.Query(ctx, `SELECT id, actor, action, resource, COALESCE(resource_id, ''), method, path,
status, COALESCE(client_ip, ''), COALESCE(request_id, ''), metadata, created_at
FROM admin_audit_log ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		var metadata []byte
		err := row.Scan(&e.ID, &e.Actor, &e.Action, &e.Resource, &e.ResourceID, &e.Method, &e.Path,
			&e.Status, &e.ClientIP, &e.RequestID, &metadata, &e.CreatedAt)
		e.Metadata = metadata
		return e, err
	})
}

// Count returns the number of stored entries.
func (s PgStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.Conn.QueryRow(ctx, `SELECT count(*) FROM admin_audit_log`).Scan(&n)
	return n, err
}

// Service builds entries from handled requests.
type Service struct {
	Store   Store
	Enabled bool
}

// Record persists an entry for req. An empty action defaults to "METHOD route".
func (s Service) Record(ctx context.Context, req *http.Request, actor, action string, status int, metadata []byte) error {
	if !s.Enabled {
		return nil
	}
	if req == nil {
		return errors.New("audit: request is required")
	}
	if s.Store == nil {
		return errors.New("audit: store not configured")
	}
	route := routeOf(req)
	if strings.TrimSpace(action) == "" {
		action = req.Method + " " + route
	}
	if strings.TrimSpace(actor) == "" {
		actor = "operator"
	}
	if status == 0 {
		status = http.StatusOK
	}
	return s.Store.Insert(ctx, Entry{
		Actor:      actor,
		Action:     action,
		Resource:   resourceOf(route),
		ResourceID: lastURLParam(req),
		Method:     req.Method,
		Path:       req.URL.Path,
		Status:     status,
		ClientIP:   common.ClientIP(req),
		RequestID:  middleware.GetReqID(req.Context()),
		Metadata:   queryMetadata(metadata, req.URL.RawQuery),
	})
}

func routeOf(req *http.Request) string {
	if route := obs.RoutePatternFromContext(req.Context()); route != "" {
		return route
	}
	if rc := chi.RouteContext(req.Context()); rc != nil && rc.RoutePattern() != "" {
		return rc.RoutePattern()
	}
	return req.URL.Path
}

// resourceOf turns "/api/v1/admin/reconciliation/{id}/retry" into
// "reconciliation.retry".
func resourceOf(route string) string {
	var parts []string
	for _, seg := range strings.Split(strings.Trim(route, "/"), "/") {
		if seg == "" || strings.HasPrefix(seg, "{") {
			continue
		}
		parts = append(parts, seg)
	}
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "v1" {
		parts = parts[2:]
	}
	if len(parts) > 0 && parts[0] == "admin" {
		parts = parts[1:]
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, ".")
}

func lastURLParam(req *http.Request) string {
	rc := chi.RouteContext(req.Context())
	if rc == nil {
		return ""
	}
	for i := len(rc.URLParams.Values) - 1; i >= 0; i-- {
		if v := strings.TrimSpace(rc.URLParams.Values[i]); v != "" && rc.URLParams.Keys[i] != "*" {
			return v
		}
	}
	return ""
}

func queryMetadata(metadata []byte, query string) []byte {
	if len(metadata) > 0 {
		return metadata
	}
	if strings.TrimSpace(query) == "" {
		return nil
	}
	data, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil
	}
	return data
}
