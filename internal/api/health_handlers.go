package api

import (
	"context"
	"net/http"
	"time"

	"github.com/toursync/toursync/internal/health"
)

// ReadinessChecker runs dependency checks. *health.Registry implements it.
type ReadinessChecker interface {
	Run(ctx context.Context) health.Report
}

// SubscriberCounter reports live notification subscriptions. *notify.Hub implements it.
type SubscriberCounter interface {
	ActiveCount() int
}

// HealthHandlers provides health and readiness check endpoints for Kubernetes.
type HealthHandlers struct {
	checks ReadinessChecker
	hub    SubscriberCounter
	now    func() time.Time
}

// HealthHandlersConfig configures the health check handlers.
type HealthHandlersConfig struct {
	// Checks runs on /ready. Nil reports ready with no dependency checks.
	Checks ReadinessChecker
	// Hub adds the live subscription count to /health. Optional.
	Hub SubscriberCounter
}

// NewHealthHandlers creates a new health check handler.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	return &HealthHandlers{checks: config.Checks, hub: config.Hub, now: time.Now}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status        string            `json:"status"`
	Checks        map[string]string `json:"checks"`
	Timestamp     string            `json:"timestamp"`
	Subscriptions *int              `json:"subscriptions,omitempty"`
}

// Health handles GET /health (liveness check).
// Returns 200 whenever the process can serve requests.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": health.StatusOK},
		Timestamp: h.now().UTC().Format(time.RFC3339),
	}
	if h.hub != nil {
		n := h.hub.ActiveCount()
		response.Subscriptions = &n
	}
	WriteJSON(w, r.Context(), http.StatusOK, response)
}

// Ready handles GET /ready (readiness check).
// Returns 503 when any configured dependency (database, Redis, MQTT) fails.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	report := health.Report{Healthy: true, Checks: map[string]string{}}
	if h.checks != nil {
		report = h.checks.Run(r.Context())
	}

	status, code := "healthy", http.StatusOK
	if !report.Healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	WriteJSON(w, r.Context(), code, HealthResponse{
		Status:    status,
		Checks:    report.Checks,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}
