// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/toursync/toursync/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotentReplayedHeader is set on responses served from the cache.
const IdempotentReplayedHeader = "Idempotent-Replayed"

// idempotencyKeyContextKey is the context key for storing the idempotency key.
type idempotencyKeyContextKey struct{}

// idempotencyResponseWriter is a custom response writer that captures the response.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

// WriteHeader captures the status code.
func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if !w.written {
		w.statusCode = statusCode
		w.written = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the response body.
func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

// SetIdempotencyKey stores the idempotency key in the context.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// GetIdempotencyKey retrieves the idempotency key from context. Returns empty string if not present.
func GetIdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyContextKey{}).(string); ok {
		return key
	}
	return ""
}

// IdempotencyOption configures Idempotency.
type IdempotencyOption func(*idempotencyOptions)

type idempotencyOptions struct {
	required bool
}

// RequireIdempotencyKey rejects requests without an Idempotency-Key header.
func RequireIdempotencyKey() IdempotencyOption {
	return func(o *idempotencyOptions) { o.required = true }
}

// Idempotency wraps a POST handler so a retried request carrying the same
// Idempotency-Key replays the first response instead of running again.
//
// Keys are scoped per authenticated user. A key whose first request is still
// running answers 409. Only 2xx responses are cached; any other outcome
// releases the key so the client can retry.
func Idempotency(repo idempotency.Repository, opts ...IdempotencyOption) func(http.Handler) http.Handler {
	var o idempotencyOptions
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				if o.required {
					SetErrorCode(r.Context(), "missing_idempotency_key")
					writeJSONError(w, http.StatusBadRequest, "missing_idempotency_key", "Idempotency-Key header is required for this request")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if err := idempotency.ValidateKey(key); err != nil {
				code, message := "invalid_idempotency_key", "Invalid Idempotency-Key format"
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					code = "idempotency_key_too_long"
					message = "Idempotency-Key exceeds maximum length of 64 characters"
				}
				SetErrorCode(r.Context(), code)
				writeJSONError(w, http.StatusBadRequest, code, message)
				return
			}

			ctx := SetIdempotencyKey(r.Context(), key)
			r = r.WithContext(ctx)
			scoped := idempotency.ScopedKey(GetUserID(ctx), key)

			existing, err := repo.Get(ctx, scoped)
			switch {
			case err == nil:
				replay(ctx, w, existing)
				return
			case !errors.Is(err, idempotency.ErrKeyNotFound):
				slog.ErrorContext(ctx, "failed to check idempotency key", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			record := &idempotency.Record{Key: scoped, Method: r.Method, Route: r.URL.Path}
			if err := repo.Reserve(ctx, record); err != nil {
				if errors.Is(err, idempotency.ErrKeyExists) {
					if existing, getErr := repo.Get(ctx, scoped); getErr == nil {
						replay(ctx, w, existing)
						return
					}
					inProgress(ctx, w)
					return
				}
				slog.ErrorContext(ctx, "failed to reserve idempotency key", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			capture := &idempotencyResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			// The request context may already be cancelled once the client has its answer.
			storeCtx := context.WithoutCancel(ctx)
			if capture.statusCode < 200 || capture.statusCode >= 300 {
				if err := repo.Release(storeCtx, scoped); err != nil {
					slog.ErrorContext(ctx, "failed to release idempotency key", "key", key, "error", err)
				}
				return
			}

			body := capture.body.String()
			record.Status = idempotency.StatusCompleted
			record.ResponseBody = body
			record.ResponseHash = idempotency.ComputeResponseHash(body)
			record.ResponseStatusCode = capture.statusCode
			if err := repo.Complete(storeCtx, record); err != nil {
				slog.ErrorContext(ctx, "failed to store idempotency key", "key", key, "error", err)
				return
			}
			slog.DebugContext(ctx, "stored idempotency key", "key", key, "status", capture.statusCode)
		})
	}
}

func replay(ctx context.Context, w http.ResponseWriter, rec *idempotency.Record) {
	if rec.Status != idempotency.StatusCompleted {
		inProgress(ctx, w)
		return
	}
	slog.InfoContext(ctx, "replaying cached response for idempotency key",
		"status", rec.ResponseStatusCode)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(IdempotentReplayedHeader, "true")
	w.WriteHeader(rec.ResponseStatusCode)
	_, _ = io.WriteString(w, rec.ResponseBody)
}

func inProgress(ctx context.Context, w http.ResponseWriter) {
	SetErrorCode(ctx, "idempotency_key_in_progress")
	writeJSONError(w, http.StatusConflict, "idempotency_key_in_progress", "A request with this Idempotency-Key is still being processed")
}
