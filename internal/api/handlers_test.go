package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tripwire/sentineld/internal/image"
	"github.com/tripwire/sentineld/internal/metrics"
	"github.com/tripwire/sentineld/internal/sink"
)

// mockStore is a test double for the Store interface.
type mockStore struct {
	events    []sink.Event
	eventsErr error
	lastQuery sink.EventQuery
}

func (m *mockStore) QueryEvents(_ context.Context, q sink.EventQuery) ([]sink.Event, error) {
	m.lastQuery = q
	return m.events, m.eventsErr
}

// mockStats is a test double for StatsProvider.
type mockStats struct {
	snap metrics.Snapshot
}

func (m *mockStats) Snapshot() metrics.Snapshot { return m.snap }

// newTestServer creates a Server backed by the mock store and returns its HTTP
// handler with JWT middleware disabled (pubKey = nil).
func newTestServer(ms *mockStore, stats StatsProvider) http.Handler {
	srv := NewServer(ms, stats)
	return NewRouter(srv, nil)
}

// ---- /healthz ---------------------------------------------------------------

func TestHandleHealthz_Returns200(t *testing.T) {
	h := newTestServer(&mockStore{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
}

// ---- GET /api/v1/events ------------------------------------------------------

func TestHandleGetEvents_MissingFrom_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?to=2026-01-02T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetEvents_MissingTo_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?from=2026-01-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetEvents_InvalidFromFormat_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?from=not-a-time&to=2026-01-02T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetEvents_ToNotAfterFrom_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{}, nil)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/events?from=2026-01-02T00:00:00Z&to=2026-01-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetEvents_InvalidPID_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{}, nil)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/events?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z&pid=abc", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetEvents_InvalidLimit_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{}, nil)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/events?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z&limit=abc", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetEvents_InvalidOffset_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{}, nil)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/events?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z&offset=-1", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetEvents_ValidRequest_Returns200WithArray(t *testing.T) {
	now := time.Now().UTC()
	ms := &mockStore{
		events: []sink.Event{
			{
				EventID:    "evt-1",
				Path:       "/usr/bin/bash",
				PID:        4242,
				Subject:    image.Subject{PID: 4242},
				ForkTV:     now,
				EventTV:    now,
				ReceivedAt: now,
			},
		},
	}
	h := newTestServer(ms, nil)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/events?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	var events []sink.Event
	if err := json.NewDecoder(rec.Body).Decode(&events); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].EventID != "evt-1" {
		t.Errorf("unexpected event ID: %s", events[0].EventID)
	}
}

func TestHandleGetEvents_EmptyResult_ReturnsEmptyArray(t *testing.T) {
	h := newTestServer(&mockStore{events: nil}, nil)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/events?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var events []sink.Event
	if err := json.NewDecoder(rec.Body).Decode(&events); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected empty array, got %v", events)
	}
}

func TestHandleGetEvents_WithPIDFilter_PassesThroughToStore(t *testing.T) {
	ms := &mockStore{}
	h := newTestServer(ms, nil)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/events?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z&pid=99", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	if ms.lastQuery.PID != 99 {
		t.Errorf("expected PID filter 99 forwarded to store, got %d", ms.lastQuery.PID)
	}
}

func TestHandleGetEvents_WithPathFilter_PassesThroughToStore(t *testing.T) {
	ms := &mockStore{}
	h := newTestServer(ms, nil)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/events?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z&path=/bin/sh", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	if ms.lastQuery.Path != "/bin/sh" {
		t.Errorf("expected path filter forwarded to store, got %q", ms.lastQuery.Path)
	}
}

func TestHandleGetEvents_StoreError_Returns500(t *testing.T) {
	ms := &mockStore{eventsErr: context.DeadlineExceeded}
	h := newTestServer(ms, nil)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/events?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

// ---- GET /api/v1/stats -------------------------------------------------------

func TestHandleGetStats_NoProvider_Returns503(t *testing.T) {
	h := newTestServer(&mockStore{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleGetStats_WithProvider_Returns200WithSnapshot(t *testing.T) {
	stats := &mockStats{snap: metrics.Snapshot{Images: 7, PQSize: 3}}
	h := newTestServer(&mockStore{}, stats)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	var snap metrics.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if snap.Images != 7 || snap.PQSize != 3 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestHandleGetStats_FuncAdapter_Works(t *testing.T) {
	called := false
	fn := StatsProviderFunc(func() metrics.Snapshot {
		called = true
		return metrics.Snapshot{}
	})
	h := newTestServer(&mockStore{}, fn)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !called {
		t.Error("expected StatsProviderFunc to be invoked")
	}
}
