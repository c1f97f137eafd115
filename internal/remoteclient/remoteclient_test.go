package remoteclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestUpsertEmptyRecordsShortCircuits(t *testing.T) {
	c := New("http://unused.invalid", "secret", time.Second, 0)
	result := c.Upsert(context.Background(), "gfx_sessions", nil, "session_id")
	if !result.Success || result.Count != 0 {
		t.Fatalf("expected success/count=0 for empty input, got %+v", result)
	}
}

func TestUpsertSuccess(t *testing.T) {
	var gotConflict string
	var gotPrefer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotConflict = r.URL.Query().Get("on_conflict")
		gotPrefer = r.Header.Get("Prefer")
		if r.Header.Get("apikey") == "" || r.Header.Get("Authorization") == "" {
			t.Error("missing auth headers")
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second, 0)
	result := c.Upsert(context.Background(), "gfx_sessions", []map[string]any{{"session_id": 1}}, "session_id")
	if !result.Success || result.Count != 1 {
		t.Fatalf("expected success, got %+v", result)
	}
	if gotConflict != "session_id" {
		t.Fatalf("expected on_conflict=session_id, got %q", gotConflict)
	}
	if gotPrefer != "resolution=merge-duplicates,return=minimal" {
		t.Fatalf("unexpected Prefer header: %q", gotPrefer)
	}
}

func TestUpsertRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second, 0)
	result := c.Upsert(context.Background(), "t", []map[string]any{{"a": 1}}, "id")
	if result.Success || result.Kind != ErrRateLimit {
		t.Fatalf("expected rate_limit failure, got %+v", result)
	}
	if result.RetryAfter != 2*time.Second {
		t.Fatalf("expected Retry-After of 2s, got %v", result.RetryAfter)
	}
}

func TestUpsertClientAndServerErrors(t *testing.T) {
	for _, tc := range []struct {
		status int
		kind   ErrKind
	}{
		{http.StatusBadRequest, ErrClient},
		{http.StatusInternalServerError, ErrServer},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c := New(srv.URL, "secret", time.Second, 0)
		result := c.Upsert(context.Background(), "t", []map[string]any{{"a": 1}}, "id")
		if result.Success || result.Kind != tc.kind {
			t.Errorf("status %d: expected kind %s, got %+v", tc.status, tc.kind, result)
		}
		srv.Close()
	}
}

func TestSelectDecodesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("session_id") != "eq.1" {
			t.Errorf("expected eq.-encoded filter, got %q", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode([]map[string]any{{"session_id": float64(1)}})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second, 0)
	rows, result := c.Select(context.Background(), "gfx_sessions", []string{"session_id"}, map[string]string{"session_id": "1"}, 10)
	if !result.Success || len(rows) != 1 {
		t.Fatalf("expected one row, got %+v / %+v", rows, result)
	}
}

func TestHealthCheckReachableOn200And400(t *testing.T) {
	var status int32 = http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second, 0)
	if !c.HealthCheck(context.Background()) {
		t.Fatal("expected reachable on 200")
	}
	atomic.StoreInt32(&status, http.StatusBadRequest)
	if !c.HealthCheck(context.Background()) {
		t.Fatal("expected reachable on 400")
	}
	atomic.StoreInt32(&status, http.StatusInternalServerError)
	if c.HealthCheck(context.Background()) {
		t.Fatal("expected unreachable on 500")
	}
}
