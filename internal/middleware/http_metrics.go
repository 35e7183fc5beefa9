// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// knownRoutes are the static API paths recorded under their own label.
var knownRoutes = map[string]bool{
	"/api/notifications/stream": true,
	"/api/notifications/ws":     true,
	"/api/attendance":           true,
	"/api/attendance/checkin":   true,
	"/api/incidents":            true,
	"/api/incidents/sos":        true,
	"/api/announcements":        true,
	"/api/audit/export":         true,
	"/metrics":                  true,
}

// unmatchedRoute labels every path that is not an API route.
const unmatchedRoute = "unmatched"

// normalizePath maps a request path to its route pattern so dynamic segments
// do not explode metric cardinality: /api/tours/42/checkpoints becomes
// /api/tours/{tour_id}/checkpoints.
func normalizePath(path string) string {
	if knownRoutes[path] {
		return path
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "tours" && parts[2] != "" && parts[3] == "checkpoints" {
		return "/api/tours/{tour_id}/checkpoints"
	}

	return unmatchedRoute
}

// excludedFromMetrics are the health endpoints polled by the orchestrator.
func excludedFromMetrics(path string) bool {
	return path == "/health" || path == "/ready"
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (mrw *metricsResponseWriter) Flush() {
	_ = http.NewResponseController(mrw.ResponseWriter).Flush()
}

// Hijack implements http.Hijacker for WebSocket upgrades.
func (mrw *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, buf, err := http.NewResponseController(mrw.ResponseWriter).Hijack()
	if err == nil && !mrw.wroteHeader {
		mrw.statusCode = http.StatusSwitchingProtocols
		mrw.wroteHeader = true
	}
	return conn, buf, err
}

// Unwrap returns the underlying writer for http.ResponseController.
func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

// newMetricsResponseWriter creates a new metricsResponseWriter with default 200 status.
func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics is a middleware that records HTTP request metrics.
// It captures duration, request/response sizes, and request counts.
// Health endpoints (/health, /ready) are not recorded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excludedFromMetrics(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			// Wrap response writer to capture status and size
			mrw := newMetricsResponseWriter(w)

			// Get request size from Content-Length header
			requestSize := int64(0)
			if contentLength := r.Header.Get("Content-Length"); contentLength != "" {
				if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil {
					requestSize = size
				}
			}

			// Call the next handler
			next.ServeHTTP(mrw, r)

			// Calculate duration in seconds
			duration := time.Since(start).Seconds()

			// Normalize path to prevent cardinality explosion
			normalizedPath := normalizePath(r.URL.Path)

			// Record metrics
			metrics.ObserveHTTPRequest(
				r.Method,
				normalizedPath,
				strconv.Itoa(mrw.statusCode),
				duration,
				requestSize,
				mrw.size,
			)
		})
	}
}
