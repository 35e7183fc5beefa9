package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return recorder
}

func TestTracing_SpanNames(t *testing.T) {
	tests := []struct {
		method       string
		path         string
		expectedName string
	}{
		{http.MethodPost, "/api/attendance/checkin", "POST /api/attendance/checkin"},
		{http.MethodGet, "/api/notifications/stream", "GET /api/notifications/stream"},
		{http.MethodPost, "/api/tours/tour-42/checkpoints", "POST /api/tours/{tour_id}/checkpoints"},
		{http.MethodGet, "/wp-login.php", "GET unmatched"},
	}

	for _, tt := range tests {
		t.Run(tt.expectedName, func(t *testing.T) {
			recorder := newSpanRecorder(t)

			handler := Tracing("toursync")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, nil))

			spans := recorder.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			if spans[0].Name() != tt.expectedName {
				t.Errorf("expected span name %q, got %q", tt.expectedName, spans[0].Name())
			}
		})
	}
}

func TestTracing_PropagatesContextAndRequestID(t *testing.T) {
	recorder := newSpanRecorder(t)

	var capturedTraceID, capturedSpanID string
	handler := RequestID(Tracing("toursync")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedTraceID = GetTraceID(r)
		capturedSpanID = GetSpanID(r)
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/incidents/sos", nil)
	req.Header.Set(RequestIDHeader, "req-abc")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.SpanContext().TraceID().String() != capturedTraceID || capturedTraceID == "" {
		t.Errorf("trace ID mismatch: span %s, handler %q", span.SpanContext().TraceID(), capturedTraceID)
	}
	if span.SpanContext().SpanID().String() != capturedSpanID {
		t.Errorf("span ID mismatch: span %s, handler %q", span.SpanContext().SpanID(), capturedSpanID)
	}

	found := false
	for _, attr := range span.Attributes() {
		if attr.Key == attribute.Key("request.id") && attr.Value.AsString() == "req-abc" {
			found = true
		}
	}
	if !found {
		t.Errorf("request.id attribute missing: %v", span.Attributes())
	}
}

func TestTracing_SkipsHealthEndpoints(t *testing.T) {
	recorder := newSpanRecorder(t)

	handler := Tracing("toursync")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if n := len(recorder.Ended()); n != 0 {
		t.Errorf("expected no spans for /health, got %d", n)
	}
}

func TestGetTraceAndSpanID_NoActiveSpan(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if id := GetTraceID(req); id != "" {
		t.Errorf("expected empty trace ID, got %q", id)
	}
	if id := GetSpanID(req); id != "" {
		t.Errorf("expected empty span ID, got %q", id)
	}
}
