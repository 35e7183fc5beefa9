// Package api provides the HTTP handlers of the TourSync API: check-in,
// incidents, announcements, the notification stream and the audit export.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/toursync/toursync/internal/middleware"
	"github.com/toursync/toursync/internal/validate"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeAuthFailed indicates authentication failure.
	ErrCodeAuthFailed = "auth_failed"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeForbidden indicates the request is forbidden.
	ErrCodeForbidden = "forbidden"

	// ErrCodeConflict indicates a conflict with the current state.
	ErrCodeConflict = "conflict"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeLocationUnavailable indicates the reporter's position was not sent.
	ErrCodeLocationUnavailable = "location_unavailable"

	// ErrCodeInvalidCoordinates indicates a latitude or longitude out of range.
	ErrCodeInvalidCoordinates = "invalid_coordinates"

	// ErrCodeMissingCheckpoint indicates neither checkpoint_id nor an inline place was given.
	ErrCodeMissingCheckpoint = "missing_checkpoint"

	// ErrCodeCheckpointNotFound indicates the checkpoint does not exist for the tour.
	ErrCodeCheckpointNotFound = "checkpoint_not_found"

	// ErrCodeOutsideGeofence indicates the reporter is farther than the fence radius.
	ErrCodeOutsideGeofence = "outside_geofence"

	// ErrCodeInvalidStatus indicates an unknown attendance status.
	ErrCodeInvalidStatus = "invalid_status"

	// ErrCodeInvalidDate indicates a date not in YYYY-MM-DD form.
	ErrCodeInvalidDate = "invalid_date"

	// ErrCodeUnsupportedFormat indicates an unknown export format.
	ErrCodeUnsupportedFormat = "unsupported_format"

	// ErrCodeStreamingUnsupported indicates the response writer cannot flush.
	ErrCodeStreamingUnsupported = "streaming_unsupported"
)

// maxRequestBodyBytes caps JSON request bodies.
const maxRequestBodyBytes = 64 << 10

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// GeofenceErrorResponse is the body of a rejected check-in. It extends the
// standard envelope with the evaluated distance.
type GeofenceErrorResponse struct {
	Error          ErrorDetail `json:"error"`
	DistanceMeters float64     `json:"distance_meters"`
	RadiusMeters   float64     `json:"radius_meters"`
}

// WriteError writes a standardized JSON error response and reports code to
// the logging middleware.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
//
// Example:
//
//	ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
//	WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "Checkpoint not found")
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.SetErrorCode(ctx, code)
	writeJSON(w, ctx, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// WriteErrorBody writes a custom error body that embeds the standard envelope,
// such as GeofenceErrorResponse.
func WriteErrorBody(w http.ResponseWriter, ctx context.Context, status int, code string, body any) {
	middleware.SetErrorCode(ctx, code)
	writeJSON(w, ctx, status, body)
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	writeJSON(w, ctx, status, v)
}

func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		slog.ErrorContext(ctx, "failed to marshal response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write response", "error", err)
	}
}

// decodeJSON reads a size-limited JSON body into dst and runs its validate
// tags. On failure it writes a 400 and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	ctx := r.Context()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(dst); err != nil {
		msg := "Invalid JSON in request body"
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			msg = "Request body is empty"
		case errors.As(err, &maxErr):
			msg = "Request body is too large"
		}
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, msg)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, validate.FormatError(err))
		return false
	}
	return true
}

// StatusCodeMapping returns the recommended HTTP status code for common error codes.
// This is a convenience function to map error codes to HTTP status codes.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest, ErrCodeInvalidCoordinates,
		ErrCodeMissingCheckpoint, ErrCodeInvalidStatus, ErrCodeInvalidDate, ErrCodeUnsupportedFormat:
		return http.StatusBadRequest
	case ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case ErrCodeNotFound, ErrCodeCheckpointNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeLocationUnavailable, ErrCodeOutsideGeofence:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
