package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/toursync/toursync/internal/attendance"
	"github.com/toursync/toursync/internal/audit"
	"github.com/toursync/toursync/internal/auth"
	"github.com/toursync/toursync/internal/idempotency"
	"github.com/toursync/toursync/internal/incident"
	"github.com/toursync/toursync/internal/middleware"
	"github.com/toursync/toursync/internal/notify"
)

const testSecret = "router-test-secret-at-least-32-bytes!"

type routerFixture struct {
	handler   http.Handler
	tokens    *auth.JWTService
	hub       *notify.Hub
	incidents *incident.InMemoryRepository
	auditLog  *audit.InMemoryRepository
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	hub := notify.NewHub()
	t.Cleanup(hub.Close)

	records := attendance.NewInMemoryRepository()
	if err := records.CreateCheckpoint(context.Background(), &attendance.Checkpoint{
		ID: "cp-eiffel", TourID: "tour-1", Name: "Eiffel Tower",
		Latitude: eiffelLat, Longitude: eiffelLng, RadiusMeters: 100,
	}); err != nil {
		t.Fatal(err)
	}
	incidents := incident.NewInMemoryRepository()
	auditLog := audit.NewInMemoryRepository()

	metrics := middleware.NewMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatal(err)
	}

	tokens := auth.NewJWTService(testSecret)
	handler := NewRouter(RouterConfig{
		Tokens:        tokens,
		Attendance:    attendance.NewService(records, records, hub, nil),
		Incidents:     incident.NewService(incidents, hub, nil),
		Hub:           hub,
		AuditLog:      auditLog,
		RateLimits:    middleware.NewInMemoryRateLimitStore(),
		Idempotency:   idempotency.NewInMemoryRepository(),
		Metrics:       metrics,
		Gatherer:      reg,
		Notifications: NotificationConfig{Heartbeat: -1},
	})
	return &routerFixture{handler: handler, tokens: tokens, hub: hub, incidents: incidents, auditLog: auditLog}
}

func (f *routerFixture) token(t *testing.T, p auth.Principal) string {
	t.Helper()
	tok, err := f.tokens.GenerateAccessToken(p)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return tok
}

func (f *routerFixture) do(t *testing.T, method, target string, p *auth.Principal, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	for k, v := range header {
		req.Header[k] = v
	}
	if p != nil {
		req.Header.Set("Authorization", "Bearer "+f.token(t, *p))
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func TestRouter_PublicRoutes(t *testing.T) {
	f := newRouterFixture(t)

	tests := []struct {
		target     string
		wantStatus int
	}{
		{"/", http.StatusOK},
		{"/health", http.StatusOK},
		{"/ready", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/does-not-exist", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			w := f.do(t, http.MethodGet, tt.target, nil, nil, nil)
			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if w.Header().Get("X-Request-ID") == "" {
				t.Error("expected X-Request-ID header")
			}
		})
	}

	w := f.do(t, http.MethodGet, "/does-not-exist", nil, nil, nil)
	if code := errorCode(t, w); code != ErrCodeNotFound {
		t.Errorf("expected code %s, got %s", ErrCodeNotFound, code)
	}
}

func TestRouter_RequiresAuth(t *testing.T) {
	f := newRouterFixture(t)

	for _, route := range []struct{ method, target string }{
		{http.MethodPost, "/api/attendance/checkin"},
		{http.MethodGet, "/api/attendance?tour_id=tour-1"},
		{http.MethodPost, "/api/incidents/sos"},
		{http.MethodPost, "/api/incidents"},
		{http.MethodGet, "/api/incidents?tour_id=tour-1"},
		{http.MethodPost, "/api/announcements"},
		{http.MethodGet, "/api/tours/tour-1/checkpoints"},
		{http.MethodPost, "/api/tours/tour-1/checkpoints"},
		{http.MethodGet, "/api/audit/export"},
		{http.MethodGet, "/api/notifications/stream"},
		{http.MethodGet, "/api/notifications/ws"},
	} {
		t.Run(route.method+" "+route.target, func(t *testing.T) {
			w := f.do(t, route.method, route.target, nil, nil, nil)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", w.Code)
			}
		})
	}
}

func TestRouter_RoleGates(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, http.MethodPost, "/api/announcements", &member,
		AnnouncementRequest{TourID: "tour-1", Title: "x", Message: "y"}, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("member announcement: expected 403, got %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/audit/export", &leader, nil, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("leader export: expected 403, got %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/audit/export", &admin, nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("admin export: expected 200, got %d", w.Code)
	}
}

func TestRouter_CheckInPublishesToStream(t *testing.T) {
	f := newRouterFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	// EventSource cannot set headers, so the stream takes the token from the query.
	resp, err := http.Get(srv.URL + "/api/notifications/stream?access_token=" + f.token(t, leader))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected stream status 200, got %d", resp.StatusCode)
	}
	reader := bufio.NewReader(resp.Body)
	waitForSubscribers(t, f.hub, 1)

	body, _ := json.Marshal(CheckInRequest{
		TourID: "tour-1", CheckpointID: "cp-eiffel",
		LocationLat: float(eiffelLat), LocationLng: float(eiffelLng),
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/attendance/checkin", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+f.token(t, member))
	req.Header.Set("Content-Type", "application/json")
	checkIn, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	_, _ = io.Copy(io.Discard, checkIn.Body)
	checkIn.Body.Close()
	if checkIn.StatusCode != http.StatusCreated {
		t.Fatalf("expected check-in status 201, got %d", checkIn.StatusCode)
	}

	event, n := readEvent(t, reader)
	if event != string(notify.TypeAttendance) {
		t.Errorf("expected ATTENDANCE event, got %q", event)
	}
	if n.Data["user_id"] != member.UserID {
		t.Errorf("expected user_id %s in data, got %v", member.UserID, n.Data["user_id"])
	}
}

func TestRouter_SOSIdempotency(t *testing.T) {
	f := newRouterFixture(t)
	header := http.Header{middleware.IdempotencyKeyHeader: []string{"sos-retry-1"}}
	body := SOSRequest{TourID: "tour-1", Location: "48.8584,2.2945"}

	first := f.do(t, http.MethodPost, "/api/incidents/sos", &member, body, header)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}
	second := f.do(t, http.MethodPost, "/api/incidents/sos", &member, body, header)
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if second.Header().Get(middleware.IdempotentReplayedHeader) != "true" {
		t.Error("expected replay header on retry")
	}
	if first.Body.String() != second.Body.String() {
		t.Error("replayed body differs from the original")
	}

	incidents, _ := f.incidents.ListByTour(context.Background(), "tour-1", 0)
	if len(incidents) != 1 {
		t.Errorf("expected 1 stored incident, got %d", len(incidents))
	}
}

func TestRouter_SOSRateLimit(t *testing.T) {
	f := newRouterFixture(t)
	limit := middleware.DefaultSOSLimit().RequestsPerWindow

	for i := 0; i < limit; i++ {
		w := f.do(t, http.MethodPost, "/api/incidents/sos", &member, SOSRequest{TourID: "tour-1"}, nil)
		if w.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i, w.Code)
		}
	}
	w := f.do(t, http.MethodPost, "/api/incidents/sos", &member, SOSRequest{TourID: "tour-1"}, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after %d requests, got %d", limit, w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRouter_CheckpointRoutes(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, http.MethodPost, "/api/tours/tour-1/checkpoints", &leader, CreateCheckpointRequest{
		Name: "Louvre", Latitude: float(48.8606), Longitude: float(2.3376), RadiusMeters: 150,
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/api/tours/tour-1/checkpoints", &member, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Checkpoints []*attendance.Checkpoint `json:"checkpoints"`
	}
	decodeBody(t, w, &resp)
	if len(resp.Checkpoints) != 2 {
		t.Errorf("expected 2 checkpoints, got %d", len(resp.Checkpoints))
	}
}

func TestRouter_MetricsRecordRequests(t *testing.T) {
	f := newRouterFixture(t)
	f.do(t, http.MethodGet, "/api/tours/tour-1/checkpoints", &member, nil, nil)

	w := f.do(t, http.MethodGet, "/metrics", nil, nil, nil)
	if !strings.Contains(w.Body.String(), "http_requests_total") {
		t.Errorf("expected http_requests_total in metrics output")
	}
	for _, route := range []string{"global", "checkin", "sos"} {
		if !strings.Contains(w.Body.String(), fmt.Sprintf("route=%q", route)) {
			t.Errorf("expected %s rate limit metrics", route)
		}
	}
}
