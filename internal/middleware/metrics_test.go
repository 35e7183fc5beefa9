package middleware

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func gatherFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found in registry", name)
	return nil
}

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	if err := m.Register(reg); err == nil {
		t.Error("second Register() on the same registry should fail")
	}
}

func TestMetrics_RateLimitSeriesStartAtZero(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{MetricRateLimitRequests, MetricRateLimitBlocked} {
		if n := len(gatherFamily(t, reg, name).GetMetric()); n != 6 {
			t.Errorf("%s: expected 6 pre-created series, got %d", name, n)
		}
	}
	if got := testutil.ToFloat64(m.rateLimitBlocked.WithLabelValues(RateLimitRouteSOS, "user")); got != 0 {
		t.Errorf("sos/user blocked = %v, want 0", got)
	}
}

func TestMetrics_RateLimitCounters(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatal(err)
	}

	m.IncRateLimitRequests(RateLimitRouteCheckIn, "user")
	m.IncRateLimitRequests(RateLimitRouteCheckIn, "user")
	m.IncRateLimitRequests(RateLimitRouteSOS, "ip")
	m.ObserveRateLimitBlocked(RateLimitRouteSOS, "user", 42)
	m.IncRateLimitRedisErrors()

	if got := testutil.ToFloat64(m.rateLimitRequests.WithLabelValues("checkin", "user")); got != 2 {
		t.Errorf("checkin/user requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.rateLimitRequests.WithLabelValues("sos", "ip")); got != 1 {
		t.Errorf("sos/ip requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.rateLimitBlocked.WithLabelValues("sos", "user")); got != 1 {
		t.Errorf("sos/user blocked = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.rateLimitRedisErrors); got != 1 {
		t.Errorf("redis errors = %v, want 1", got)
	}

	retry := gatherFamily(t, reg, MetricRateLimitRetryAfter).GetMetric()
	if len(retry) != 1 {
		t.Fatalf("expected 1 retry-after series, got %d", len(retry))
	}
	h := retry[0].GetHistogram()
	if h.GetSampleCount() != 1 || h.GetSampleSum() != 42 {
		t.Errorf("retry-after count=%d sum=%v, want 1 and 42", h.GetSampleCount(), h.GetSampleSum())
	}
	if label := retry[0].GetLabel(); len(label) != 1 || label[0].GetValue() != "sos" {
		t.Errorf("retry-after labels = %v", label)
	}
}

func TestMetrics_UnknownRouteIsBucketed(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{RateLimitRouteGlobal, "global"},
		{RateLimitRouteCheckIn, "checkin"},
		{RateLimitRouteSOS, "sos"},
		{"/api/tours/42/checkpoints", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		if got := rateLimitRoute(tt.name); got != tt.want {
			t.Errorf("rateLimitRoute(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}

	m := NewMetrics()
	m.IncRateLimitRequests("/api/tours/42/checkpoints", "ip")
	if got := testutil.ToFloat64(m.rateLimitRequests.WithLabelValues("other", "ip")); got != 1 {
		t.Errorf("other/ip requests = %v, want 1", got)
	}
}

func TestMetrics_Collectors(t *testing.T) {
	if got := len(NewMetrics().Collectors()); got != 8 {
		t.Errorf("expected 8 collectors, got %d", got)
	}
}
