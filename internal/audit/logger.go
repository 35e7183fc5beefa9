package audit

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/toursync/toursync/internal/middleware"
)

var (
	// ErrNilRepository is returned when a nil repository is passed to logging functions.
	ErrNilRepository = errors.New("audit repository cannot be nil")
	// ErrInvalidEntityType is returned for an empty or unknown entity type.
	ErrInvalidEntityType = errors.New("invalid audit entity type")
	// ErrInvalidEntityID is returned when an invalid entity ID is provided.
	ErrInvalidEntityID = errors.New("entity ID cannot be empty")
	// ErrInvalidAction is returned for an empty or unknown action.
	ErrInvalidAction = errors.New("invalid audit action")
	// ErrInvalidOutcome is returned for an outcome other than success or failure.
	ErrInvalidOutcome = errors.New("invalid audit outcome")
)

// ValidEntityTypes defines the allowed entity types for audit logging.
var ValidEntityTypes = map[string]bool{
	EntityAttendance:   true,
	EntityCheckpoint:   true,
	EntityIncident:     true,
	EntityAnnouncement: true,
	EntityAuditLog:     true,
}

// ValidActions defines the allowed actions for audit logging.
var ValidActions = map[string]bool{
	ActionCheckIn:             true,
	ActionAttendanceOverride:  true,
	ActionCheckpointCreate:    true,
	ActionSOS:                 true,
	ActionIncidentReport:      true,
	ActionAnnouncementPublish: true,
	ActionExport:              true,
}

// validateEntry checks an entry against the allowlists and fills the default outcome.
func validateEntry(e *LogEntry) error {
	if !ValidEntityTypes[e.EntityType] {
		return ErrInvalidEntityType
	}
	if e.EntityID == "" {
		return ErrInvalidEntityID
	}
	if !ValidActions[e.Action] {
		return ErrInvalidAction
	}
	switch e.Outcome {
	case "":
		e.Outcome = OutcomeSuccess
	case OutcomeSuccess, OutcomeFailure:
	default:
		return ErrInvalidOutcome
	}
	return nil
}

// extractIPAddress returns the client IP from X-Forwarded-For, X-Real-IP or
// RemoteAddr, in that order, with any port stripped.
func extractIPAddress(r *http.Request) string {
	candidate := ""
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		candidate = strings.TrimSpace(first)
	}
	if candidate == "" {
		candidate = strings.TrimSpace(r.Header.Get("X-Real-IP"))
	}
	if candidate == "" {
		candidate = r.RemoteAddr
	}
	if host, _, err := net.SplitHostPort(candidate); err == nil {
		return host
	}
	return candidate
}

// LogAccess records an event for the authenticated principal in ctx, filling
// user, organization and request ID.
//
// It fails closed: a storage error is returned to the caller.
func LogAccess(ctx context.Context, repo Repository, entry LogEntry) (*AuditLog, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}
	fromContext(ctx, &entry)
	return repo.LogAccess(ctx, entry)
}

// LogAccessFromRequest is LogAccess plus the caller's IP address and user agent.
func LogAccessFromRequest(r *http.Request, repo Repository, entry LogEntry) (*AuditLog, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}
	fromContext(r.Context(), &entry)
	entry.IPAddress = extractIPAddress(r)
	entry.UserAgent = r.UserAgent()
	return repo.LogAccess(r.Context(), entry)
}

func fromContext(ctx context.Context, entry *LogEntry) {
	if p, ok := middleware.GetPrincipal(ctx); ok {
		if entry.UserID == "" {
			entry.UserID = p.UserID
		}
		if entry.OrganizationID == "" {
			entry.OrganizationID = p.OrganizationID
		}
	}
	if entry.RequestID == "" {
		entry.RequestID = middleware.GetRequestID(ctx)
	}
}
