package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestID_GeneratesNewID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify request ID is in context
		requestID := GetRequestID(r.Context())
		if requestID == "" {
			t.Error("expected request ID in context, got empty string")
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	// Verify X-Request-ID header is set in response
	responseID := rr.Header().Get(RequestIDHeader)
	if responseID == "" {
		t.Error("expected X-Request-ID header in response, got empty string")
	}
}

func TestRequestID_UsesExistingHeader(t *testing.T) {
	existingID := "existing-request-id-123"
	var capturedID string

	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedID = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(RequestIDHeader, existingID)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	// Verify existing ID is preserved
	if capturedID != existingID {
		t.Errorf("expected request ID %q, got %q", existingID, capturedID)
	}

	// Verify response header has the same ID
	responseID := rr.Header().Get(RequestIDHeader)
	if responseID != existingID {
		t.Errorf("expected response header %q, got %q", existingID, responseID)
	}
}

func TestGetRequestID_EmptyContextReturnsEmptyString(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	requestID := GetRequestID(req.Context())
	if requestID != "" {
		t.Errorf("expected empty string, got %q", requestID)
	}
}

func TestRequestID_RejectsUnsafeClientIDs(t *testing.T) {
	long := make([]byte, maxRequestIDLength+1)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name string
		id   string
	}{
		{name: "contains space", id: "abc def"},
		{name: "contains newline", id: "abc\ninjected=1"},
		{name: "too long", id: string(long)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set(RequestIDHeader, tt.id)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if captured == tt.id || captured == "" {
				t.Errorf("expected a generated ID, got %q", captured)
			}
		})
	}
}
