package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/toursync/toursync/internal/attendance"
	"github.com/toursync/toursync/internal/audit"
	"github.com/toursync/toursync/internal/geo"
	"github.com/toursync/toursync/internal/validate"
)

// AttendanceService is the part of *attendance.Service the handlers use.
type AttendanceService interface {
	CheckIn(ctx context.Context, in attendance.CheckInInput) (*attendance.CheckInResult, error)
	List(ctx context.Context, tourID, date string) ([]*attendance.Record, error)
	CreateCheckpoint(ctx context.Context, cp *attendance.Checkpoint) error
	ListCheckpoints(ctx context.Context, tourID string) ([]*attendance.Checkpoint, error)
}

// AttendanceHandlers serves check-in and checkpoint endpoints.
type AttendanceHandlers struct {
	service  AttendanceService
	auditLog audit.Repository
}

// NewAttendanceHandlers creates the handlers. auditLog may be nil.
func NewAttendanceHandlers(service AttendanceService, auditLog audit.Repository) *AttendanceHandlers {
	return &AttendanceHandlers{service: service, auditLog: auditLog}
}

// CheckInRequest is the body of POST /api/attendance/checkin.
// Coordinates are pointers so an omitted location is distinguishable from 0,0.
type CheckInRequest struct {
	TourID       string   `json:"tour_id" validate:"required,identifier"`
	CheckpointID string   `json:"checkpoint_id" validate:"omitempty,identifier"`
	LocationLat  *float64 `json:"location_lat"`
	LocationLng  *float64 `json:"location_lng"`
	PlaceLat     *float64 `json:"place_lat"`
	PlaceLng     *float64 `json:"place_lng"`
	Date         string   `json:"date"`
	Status       string   `json:"status"`
	UserID       string   `json:"user_id" validate:"omitempty,max=128"`
}

// CheckInResponse is the body of an accepted check-in.
type CheckInResponse struct {
	Record     *attendance.Record `json:"record"`
	Evaluation *geo.Evaluation    `json:"evaluation,omitempty"`
	Inserted   bool               `json:"inserted"`
}

func point(lat, lng *float64) *geo.Point {
	if lat == nil || lng == nil {
		return nil
	}
	return &geo.Point{Lat: *lat, Lng: *lng}
}

// CheckIn handles POST /api/attendance/checkin.
func (h *AttendanceHandlers) CheckIn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := principalOrFail(w, r)
	if !ok {
		return
	}

	var req CheckInRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !p.InTour(req.TourID) {
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "You are not a member of this tour")
		return
	}

	in := attendance.CheckInInput{
		OrganizationID: p.OrganizationID,
		TourID:         req.TourID,
		UserID:         p.UserID,
		CheckpointID:   req.CheckpointID,
		Location:       point(req.LocationLat, req.LocationLng),
		Place:          point(req.PlaceLat, req.PlaceLng),
		Date:           req.Date,
		Status:         attendance.Status(req.Status),
	}

	override := req.UserID != "" && req.UserID != p.UserID
	if override {
		if !p.CanManage(req.TourID) {
			WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "Only tour leaders can record attendance for other users")
			return
		}
		in.UserID = req.UserID
		in.VerifiedBy = p.UserID
	}

	result, err := h.service.CheckIn(ctx, in)
	if err != nil {
		h.writeCheckInError(w, r, in, err)
		return
	}

	action := audit.ActionCheckIn
	if override {
		action = audit.ActionAttendanceOverride
	}
	recordAudit(r, h.auditLog, audit.LogEntry{
		EntityType: audit.EntityAttendance,
		EntityID:   result.Record.ID,
		Action:     action,
	})

	WriteJSON(w, ctx, http.StatusCreated, CheckInResponse{
		Record:     result.Record,
		Evaluation: result.Evaluation,
		Inserted:   result.Inserted,
	})
}

func (h *AttendanceHandlers) writeCheckInError(w http.ResponseWriter, r *http.Request, in attendance.CheckInInput, err error) {
	ctx := r.Context()

	var outside *attendance.OutsideGeofenceError
	switch {
	case errors.As(err, &outside):
		recordAudit(r, h.auditLog, audit.LogEntry{
			EntityType: audit.EntityAttendance,
			EntityID:   rejectedEntityID(in),
			Action:     audit.ActionCheckIn,
			Outcome:    audit.OutcomeFailure,
		})
		WriteErrorBody(w, ctx, http.StatusUnprocessableEntity, ErrCodeOutsideGeofence, GeofenceErrorResponse{
			Error:          ErrorDetail{Code: ErrCodeOutsideGeofence, Message: outside.Evaluation.Explain()},
			DistanceMeters: outside.Evaluation.DistanceMeters,
			RadiusMeters:   outside.Evaluation.RadiusMeters,
		})
	case errors.Is(err, geo.ErrLocationUnavailable):
		WriteError(w, ctx, http.StatusUnprocessableEntity, ErrCodeLocationUnavailable, "location_lat and location_lng are required")
	case errors.Is(err, geo.ErrInvalidCoordinates):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidCoordinates, err.Error())
	case errors.Is(err, geo.ErrMissingCheckpoint):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeMissingCheckpoint, "checkpoint_id or place_lat/place_lng is required")
	case errors.Is(err, attendance.ErrCheckpointNotFound):
		WriteError(w, ctx, http.StatusNotFound, ErrCodeCheckpointNotFound, "Checkpoint not found for this tour")
	case errors.Is(err, attendance.ErrInvalidStatus):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidStatus, "status must be one of PRESENT, ABSENT, LEFT_WITH_PERMISSION, PENDING")
	case errors.Is(err, attendance.ErrInvalidDate):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidDate, "date must be YYYY-MM-DD")
	default:
		slog.ErrorContext(ctx, "check-in failed", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to record attendance")
	}
}

// rejectedEntityID names what a rejected check-in was aimed at; no record exists.
func rejectedEntityID(in attendance.CheckInInput) string {
	if in.CheckpointID != "" {
		return in.CheckpointID
	}
	return in.TourID
}

// List handles GET /api/attendance?tour_id=&date= for tour leaders.
func (h *AttendanceHandlers) List(w http.ResponseWriter, r *http.Request) {
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
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "Only tour leaders can list attendance")
		return
	}

	records, err := h.service.List(ctx, tourID, r.URL.Query().Get("date"))
	if err != nil {
		if errors.Is(err, attendance.ErrInvalidDate) {
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidDate, "date must be YYYY-MM-DD")
			return
		}
		slog.ErrorContext(ctx, "failed to list attendance", "error", err, "tour_id", tourID)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to list attendance")
		return
	}
	if records == nil {
		records = []*attendance.Record{}
	}
	WriteJSON(w, ctx, http.StatusOK, map[string]any{"records": records})
}

// CreateCheckpointRequest is the body of POST /api/tours/{tour_id}/checkpoints.
type CreateCheckpointRequest struct {
	Name         string   `json:"name" validate:"required"`
	Latitude     *float64 `json:"latitude" validate:"required,latitude"`
	Longitude    *float64 `json:"longitude" validate:"required,longitude"`
	RadiusMeters float64  `json:"radius_meters" validate:"gt=0,max=50000"`
}

// CreateCheckpoint handles POST /api/tours/{tour_id}/checkpoints.
func (h *AttendanceHandlers) CreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := principalOrFail(w, r)
	if !ok {
		return
	}

	tourID, err := validate.Identifier(r.PathValue("tour_id"))
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Invalid tour ID")
		return
	}
	if !p.CanManage(tourID) {
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "Only tour leaders can register checkpoints")
		return
	}

	var req CreateCheckpointRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name, err := validate.CheckpointName(req.Name)
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "name: "+err.Error())
		return
	}

	cp := &attendance.Checkpoint{
		ID:           uuid.New().String(),
		TourID:       tourID,
		Name:         name,
		Latitude:     *req.Latitude,
		Longitude:    *req.Longitude,
		RadiusMeters: req.RadiusMeters,
	}
	if err := h.service.CreateCheckpoint(ctx, cp); err != nil {
		switch {
		case errors.Is(err, attendance.ErrInvalidCheckpoint), errors.Is(err, geo.ErrInvalidCoordinates):
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		default:
			slog.ErrorContext(ctx, "failed to create checkpoint", "error", err, "tour_id", tourID)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to create checkpoint")
		}
		return
	}

	recordAudit(r, h.auditLog, audit.LogEntry{
		EntityType: audit.EntityCheckpoint,
		EntityID:   cp.ID,
		Action:     audit.ActionCheckpointCreate,
	})
	WriteJSON(w, ctx, http.StatusCreated, cp)
}

// ListCheckpoints handles GET /api/tours/{tour_id}/checkpoints.
func (h *AttendanceHandlers) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := principalOrFail(w, r)
	if !ok {
		return
	}

	tourID, err := validate.Identifier(r.PathValue("tour_id"))
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Invalid tour ID")
		return
	}
	if !p.InTour(tourID) {
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "You are not a member of this tour")
		return
	}

	checkpoints, err := h.service.ListCheckpoints(ctx, tourID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list checkpoints", "error", err, "tour_id", tourID)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to list checkpoints")
		return
	}
	if checkpoints == nil {
		checkpoints = []*attendance.Checkpoint{}
	}
	WriteJSON(w, ctx, http.StatusOK, map[string]any{"checkpoints": checkpoints})
}

// recordAudit writes an audit entry. A failed write is logged; the request
// has already taken effect.
func recordAudit(r *http.Request, repo audit.Repository, entry audit.LogEntry) {
	if repo == nil {
		return
	}
	if _, err := audit.LogAccessFromRequest(r, repo, entry); err != nil {
		slog.ErrorContext(r.Context(), "failed to write audit log",
			"error", err,
			"action", entry.Action,
			"entity_id", entry.EntityID)
	}
}
