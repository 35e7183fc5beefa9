package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/attendance/checkin", "/api/attendance/checkin"},
		{"/api/notifications/stream", "/api/notifications/stream"},
		{"/api/incidents/sos", "/api/incidents/sos"},
		{"/api/tours/3f2a/checkpoints", "/api/tours/{tour_id}/checkpoints"},
		{"/api/tours/3f2a/checkpoints/", "/api/tours/{tour_id}/checkpoints"},
		{"/api/tours//checkpoints", "unmatched"},
		{"/api/tours/3f2a", "unmatched"},
		{"/metrics", "/metrics"},
		{"/random/" + strings.Repeat("x", 40), "unmatched"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.path); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestHTTPMetrics_RecordsRequests(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatal(err)
	}

	handler := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/attendance/checkin" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":{"code":"outside_geofence"}}`))
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	for _, path := range []string{"/api/tours/a/checkpoints", "/api/tours/b/checkpoints", "/api/attendance/checkin"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, nil))
	}

	if got := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("POST", "/api/tours/{tour_id}/checkpoints", "200")); got != 2 {
		t.Errorf("checkpoint requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("POST", "/api/attendance/checkin", "422")); got != 1 {
		t.Errorf("checkin 422 requests = %v, want 1", got)
	}
	if n := len(gatherFamily(t, reg, MetricHTTPRequestDuration).GetMetric()); n != 2 {
		t.Errorf("expected 2 duration series, got %d", n)
	}
}

func TestHTTPMetrics_ExcludesHealthEndpoints(t *testing.T) {
	m := NewMetrics()
	handler := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ready", nil))

	if n := testutil.CollectAndCount(m.httpRequestsTotal); n != 0 {
		t.Errorf("expected no series for health endpoints, got %d", n)
	}
}

func TestMetricsResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	mrw := newMetricsResponseWriter(rec)

	mrw.WriteHeader(http.StatusCreated)
	mrw.WriteHeader(http.StatusInternalServerError)
	_, _ = mrw.Write([]byte("hello "))
	_, _ = mrw.Write([]byte("world"))
	mrw.Flush()

	if mrw.statusCode != http.StatusCreated {
		t.Errorf("statusCode = %d, want first WriteHeader value", mrw.statusCode)
	}
	if mrw.size != 11 {
		t.Errorf("size = %d, want 11", mrw.size)
	}
	if !rec.Flushed {
		t.Error("Flush was not forwarded")
	}
}
