package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/toursync/toursync/internal/middleware"
)

func TestWriteError_BasicFields(t *testing.T) {
	w := httptest.NewRecorder()

	WriteError(w, context.Background(), http.StatusNotFound, ErrCodeCheckpointNotFound, "Checkpoint not found")

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("expected Content-Type to contain application/json, got %s", ct)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response body: %v, body: %s", err, w.Body.String())
	}
	if resp.Error.Code != ErrCodeCheckpointNotFound {
		t.Errorf("expected error code %s, got %s", ErrCodeCheckpointNotFound, resp.Error.Code)
	}
	if resp.Error.Message != "Checkpoint not found" {
		t.Errorf("expected message 'Checkpoint not found', got %s", resp.Error.Message)
	}
}

func TestErrorResponse_JSONStructure(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, context.Background(), http.StatusBadRequest, ErrCodeInvalidCoordinates, "latitude out of range")

	var response map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(response) != 1 {
		t.Errorf("expected 1 top-level key, got %d: %v", len(response), response)
	}
	errorObj, ok := response["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected 'error' to be an object, got %T", response["error"])
	}
	if len(errorObj) != 2 || errorObj["code"] != ErrCodeInvalidCoordinates || errorObj["message"] != "latitude out of range" {
		t.Errorf("error object = %v", errorObj)
	}
}

func TestWriteError_ReportsCodeToLoggingMiddleware(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	handler := middleware.RequestID(
		middleware.Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// No explicit SetErrorCode: WriteError reports the code itself.
			WriteError(w, r.Context(), http.StatusUnprocessableEntity, ErrCodeOutsideGeofence, "too far")
		})),
	)

	req := httptest.NewRequest(http.MethodPost, "/api/attendance/checkin", nil)
	req.Header.Set("X-Request-ID", "test-req-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var entry struct {
		Level     string `json:"level"`
		Status    int    `json:"status"`
		RequestID string `json:"request_id"`
		ErrorCode string `json:"error_code"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v, log: %s", err, buf.String())
	}
	if entry.Status != http.StatusUnprocessableEntity || entry.Level != "WARN" {
		t.Errorf("logged status %d level %s", entry.Status, entry.Level)
	}
	if entry.RequestID != "test-req-123" {
		t.Errorf("expected request_id test-req-123 in logs, got %s", entry.RequestID)
	}
	if entry.ErrorCode != ErrCodeOutsideGeofence {
		t.Errorf("expected error_code %s in logs, got %s", ErrCodeOutsideGeofence, entry.ErrorCode)
	}
}

func TestStatusCodeMapping(t *testing.T) {
	tests := []struct {
		code       string
		wantStatus int
	}{
		{ErrCodeValidation, http.StatusBadRequest},
		{ErrCodeAuthFailed, http.StatusUnauthorized},
		{ErrCodeNotFound, http.StatusNotFound},
		{ErrCodeCheckpointNotFound, http.StatusNotFound},
		{ErrCodeRateLimited, http.StatusTooManyRequests},
		{ErrCodeForbidden, http.StatusForbidden},
		{ErrCodeConflict, http.StatusConflict},
		{ErrCodeBadRequest, http.StatusBadRequest},
		{ErrCodeInvalidCoordinates, http.StatusBadRequest},
		{ErrCodeMissingCheckpoint, http.StatusBadRequest},
		{ErrCodeLocationUnavailable, http.StatusUnprocessableEntity},
		{ErrCodeOutsideGeofence, http.StatusUnprocessableEntity},
		{ErrCodeInternal, http.StatusInternalServerError},
		{"unknown_code", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := StatusCodeMapping(tt.code); got != tt.wantStatus {
				t.Errorf("StatusCodeMapping(%s) = %d, want %d", tt.code, got, tt.wantStatus)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		TourID string `json:"tour_id" validate:"required,identifier"`
	}

	tests := []struct {
		name     string
		payload  string
		wantOK   bool
		wantCode string
		wantMsg  string
	}{
		{name: "valid", payload: `{"tour_id":"tour-1"}`, wantOK: true},
		{name: "empty body", payload: ``, wantCode: ErrCodeBadRequest, wantMsg: "Request body is empty"},
		{name: "malformed", payload: `{"tour_id":`, wantCode: ErrCodeBadRequest, wantMsg: "Invalid JSON in request body"},
		{name: "too large", payload: `{"tour_id":"` + strings.Repeat("x", maxRequestBodyBytes) + `"}`, wantCode: ErrCodeBadRequest, wantMsg: "Request body is too large"},
		{name: "failed validation", payload: `{}`, wantCode: ErrCodeValidation, wantMsg: "field 'tour_id' is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.payload))
			w := httptest.NewRecorder()

			var dst body
			ok := decodeJSON(w, req, &dst)
			if ok != tt.wantOK {
				t.Fatalf("decodeJSON() = %v, want %v", ok, tt.wantOK)
			}
			if ok {
				if dst.TourID != "tour-1" {
					t.Errorf("TourID = %q", dst.TourID)
				}
				return
			}
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Error.Code != tt.wantCode || resp.Error.Message != tt.wantMsg {
				t.Errorf("error = %+v, want %s / %q", resp.Error, tt.wantCode, tt.wantMsg)
			}
		})
	}
}
