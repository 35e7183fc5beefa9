package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/toursync/toursync/internal/audit"
	"github.com/toursync/toursync/internal/geo"
	"github.com/toursync/toursync/internal/incident"
	"github.com/toursync/toursync/internal/notify"
	"github.com/toursync/toursync/internal/validate"
)

// Incident list paging.
const (
	DefaultIncidentLimit = 50
	MaxIncidentLimit     = 200
)

// IncidentService is the part of *incident.Service the handlers use.
type IncidentService interface {
	SOS(ctx context.Context, in incident.ReportInput) (*incident.Result, error)
	Report(ctx context.Context, in incident.ReportInput) (*incident.Result, error)
	ListByTour(ctx context.Context, tourID string, limit int) ([]*incident.Incident, error)
}

// IncidentHandlers serves SOS and incident report endpoints.
type IncidentHandlers struct {
	service  IncidentService
	auditLog audit.Repository
}

// NewIncidentHandlers creates the handlers. auditLog may be nil.
func NewIncidentHandlers(service IncidentService, auditLog audit.Repository) *IncidentHandlers {
	return &IncidentHandlers{service: service, auditLog: auditLog}
}

// SOSRequest is the body of POST /api/incidents/sos.
type SOSRequest struct {
	TourID      string `json:"tour_id" validate:"required,identifier"`
	Location    string `json:"location"`
	Description string `json:"description"`
}

// ReportRequest is the body of POST /api/incidents.
type ReportRequest struct {
	TourID      string `json:"tour_id" validate:"required,identifier"`
	Kind        string `json:"kind" validate:"required,oneof=HEALTH INCIDENT"`
	Severity    string `json:"severity" validate:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
	Description string `json:"description" validate:"required"`
	Location    string `json:"location"`
}

// IncidentResponse is the body of an accepted report.
type IncidentResponse struct {
	Incident  *incident.Incident `json:"incident"`
	Delivered int                `json:"delivered"`
}

// SOS handles POST /api/incidents/sos. It is never geofenced; any member of
// the tour can raise one. Bad optional fields are cleaned rather than
// rejected. Retries carrying the same Idempotency-Key are answered by the
// idempotency middleware without a second alert.
func (h *IncidentHandlers) SOS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := principalOrFail(w, r)
	if !ok {
		return
	}

	var req SOSRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !p.InTour(req.TourID) {
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "You are not a member of this tour")
		return
	}
	desc, err := validate.Description(req.Description)
	if err != nil {
		slog.WarnContext(ctx, "cleaning SOS description", "error", err)
		desc = validate.Truncated(req.Description, validate.MaxDescriptionLength)
	}

	result, err := h.service.SOS(ctx, incident.ReportInput{
		OrganizationID: p.OrganizationID,
		TourID:         req.TourID,
		ReporterID:     p.UserID,
		Description:    desc,
		Location:       req.Location,
	})
	if err != nil {
		h.writeReportError(w, r, err)
		return
	}

	recordAudit(r, h.auditLog, audit.LogEntry{
		EntityType: audit.EntityIncident,
		EntityID:   result.Incident.ID,
		Action:     audit.ActionSOS,
	})
	WriteJSON(w, ctx, http.StatusCreated, IncidentResponse{Incident: result.Incident, Delivered: result.Delivered})
}

// Report handles POST /api/incidents for HEALTH and INCIDENT reports.
func (h *IncidentHandlers) Report(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := principalOrFail(w, r)
	if !ok {
		return
	}

	var req ReportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !p.InTour(req.TourID) {
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "You are not a member of this tour")
		return
	}
	desc, err := validate.Description(req.Description)
	if err != nil || desc == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "description is required and must be at most 2000 characters")
		return
	}

	result, err := h.service.Report(ctx, incident.ReportInput{
		OrganizationID: p.OrganizationID,
		TourID:         req.TourID,
		ReporterID:     p.UserID,
		Kind:           incident.Kind(req.Kind),
		Severity:       notify.Severity(req.Severity),
		Description:    desc,
		Location:       req.Location,
	})
	if err != nil {
		h.writeReportError(w, r, err)
		return
	}

	recordAudit(r, h.auditLog, audit.LogEntry{
		EntityType: audit.EntityIncident,
		EntityID:   result.Incident.ID,
		Action:     audit.ActionIncidentReport,
	})
	WriteJSON(w, ctx, http.StatusCreated, IncidentResponse{Incident: result.Incident, Delivered: result.Delivered})
}

func (h *IncidentHandlers) writeReportError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, geo.ErrInvalidCoordinates):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidCoordinates, "location must be \"lat,lng\" within range")
	case errors.Is(err, incident.ErrInvalidIncident):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
	default:
		slog.ErrorContext(ctx, "failed to report incident", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to report incident")
	}
}

// List handles GET /api/incidents?tour_id=&limit= for tour leaders.
func (h *IncidentHandlers) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := principalOrFail(w, r)
	if !ok {
		return
	}

	tourID, err := validate.Identifier(r.URL.Query().Get("tour_id"))
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "tour_id query parameter is required")
		return
	}
	if !p.CanManage(tourID) {
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "Only tour leaders can list incidents")
		return
	}

	limit := DefaultIncidentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "limit must be a positive integer")
			return
		}
		limit = min(n, MaxIncidentLimit)
	}

	incidents, err := h.service.ListByTour(ctx, tourID, limit)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list incidents", "error", err, "tour_id", tourID)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to list incidents")
		return
	}
	if incidents == nil {
		incidents = []*incident.Incident{}
	}
	WriteJSON(w, ctx, http.StatusOK, map[string]any{"incidents": incidents})
}
