package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dentalcare/txplan/internal/platform/auth"
)

type mockRecorder struct {
	mu      sync.Mutex
	entries []AccessEntry
	err     error
}

func (m *mockRecorder) RecordAccess(entry AccessEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return m.err
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *mockRecorder) last() AccessEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

func runAudit(t *testing.T, logger zerolog.Logger, rec *mockRecorder, method, target string, handler echo.HandlerFunc) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, target, nil)
	ctx := context.WithValue(req.Context(), auth.UserIDKey, "dr-smith")
	ctx = context.WithValue(ctx, auth.UserRolesKey, []string{auth.RoleDentist})
	req = req.WithContext(ctx)
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("request_id", "req-123")
	c.Set("tenant_id", "acme")
	return Audit(logger, rec)(handler)(c)
}

func TestAudit_RecordsPlanAccess(t *testing.T) {
	rec := &mockRecorder{}
	planID := uuid.New().String()

	err := runAudit(t, zerolog.Nop(), rec, http.MethodPost, "/api/v1/plans/"+planID+"/approve", okHandler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 entry, got %d", rec.count())
	}
	got := rec.last()
	if got.UserID != "dr-smith" || got.PracticeID != "acme" || got.RequestID != "req-123" {
		t.Errorf("identity not captured: %+v", got)
	}
	if got.Resource != "plans" || got.PlanID != planID {
		t.Errorf("expected plans/%s, got %s/%s", planID, got.Resource, got.PlanID)
	}
	if got.Action != "create" || got.StatusCode != http.StatusOK {
		t.Errorf("unexpected action/status: %s %d", got.Action, got.StatusCode)
	}
	if len(got.UserRoles) != 1 || got.UserRoles[0] != auth.RoleDentist {
		t.Errorf("unexpected roles %v", got.UserRoles)
	}
}

func TestAudit_CapturesErrorStatus(t *testing.T) {
	rec := &mockRecorder{}
	err := runAudit(t, zerolog.Nop(), rec, http.MethodGet, "/api/v1/plans/not-a-uuid", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	})
	if err == nil {
		t.Fatal("expected handler error to propagate")
	}
	got := rec.last()
	if got.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", got.StatusCode)
	}
	if got.PlanID != "" {
		t.Errorf("expected no plan id for malformed path, got %q", got.PlanID)
	}
}

func TestAudit_SkipsNonAPIPaths(t *testing.T) {
	rec := &mockRecorder{}
	if err := runAudit(t, zerolog.Nop(), rec, http.MethodGet, "/health", okHandler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.count() != 0 {
		t.Errorf("expected no entries for /health, got %d", rec.count())
	}
}

func TestAudit_RecorderFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	rec := &mockRecorder{err: errors.New("disk full")}
	if err := runAudit(t, zerolog.New(&buf), rec, http.MethodGet, "/api/v1/plans?patient_id=P1", okHandler); err != nil {
		t.Fatalf("recorder failure must not fail the request: %v", err)
	}
	if rec.last().PatientID != "P1" {
		t.Errorf("expected patient id from query, got %q", rec.last().PatientID)
	}
	if !strings.Contains(buf.String(), "failed to record access entry") {
		t.Errorf("expected recorder failure in log, got %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"type":"access_audit"`) {
		t.Errorf("expected access log line, got %s", buf.String())
	}
}

func TestMethodToAction(t *testing.T) {
	tests := map[string]string{
		http.MethodGet:    "read",
		http.MethodHead:   "read",
		http.MethodPost:   "create",
		http.MethodPut:    "update",
		http.MethodPatch:  "update",
		http.MethodDelete: "delete",
	}
	for method, want := range tests {
		if got := methodToAction(method); got != want {
			t.Errorf("methodToAction(%s) = %s, want %s", method, got, want)
		}
	}
}

func TestResourceOf(t *testing.T) {
	id := uuid.New().String()
	tests := []struct {
		path, resource, planID string
	}{
		{"/api/v1/plans", "plans", ""},
		{"/api/v1/plans/" + id, "plans", id},
		{"/api/v1/plans/" + id + "/versions/2", "plans", id},
		{"/api/v1/procedures/" + id, "procedures", ""},
		{"/api/v1/", "unknown", ""},
	}
	for _, tt := range tests {
		resource, planID := resourceOf(tt.path)
		if resource != tt.resource || planID != tt.planID {
			t.Errorf("resourceOf(%s) = %s, %s; want %s, %s", tt.path, resource, planID, tt.resource, tt.planID)
		}
	}
}
