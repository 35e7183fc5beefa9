package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/toursync/toursync/internal/audit"
	"github.com/toursync/toursync/internal/notify"
	"github.com/toursync/toursync/internal/validate"
)

// Publisher emits notifications. *notify.Hub implements it.
type Publisher interface {
	Publish(ctx context.Context, n notify.Notification, scope notify.Scope) int
}

// AnnouncementHandlers serves POST /api/announcements.
type AnnouncementHandlers struct {
	publisher Publisher
	auditLog  audit.Repository
}

// NewAnnouncementHandlers creates the handlers. auditLog may be nil.
func NewAnnouncementHandlers(publisher Publisher, auditLog audit.Repository) *AnnouncementHandlers {
	return &AnnouncementHandlers{publisher: publisher, auditLog: auditLog}
}

// AnnouncementRequest is the body of POST /api/announcements.
type AnnouncementRequest struct {
	TourID   string `json:"tour_id" validate:"omitempty,identifier"`
	Title    string `json:"title" validate:"required"`
	Message  string `json:"message" validate:"required"`
	Severity string `json:"severity" validate:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
}

// AnnouncementResponse reports the published notification.
type AnnouncementResponse struct {
	Notification notify.Notification `json:"notification"`
	Delivered    int                 `json:"delivered"`
}

// Announce publishes an ANNOUNCEMENT to a tour, or to the caller's whole
// organization when no tour is given. Announcements are not stored.
func (h *AnnouncementHandlers) Announce(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := principalOrFail(w, r)
	if !ok {
		return
	}

	var req AnnouncementRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	scope := notify.Scope{OrganizationID: p.OrganizationID}
	if req.TourID != "" {
		if !p.CanManage(req.TourID) {
			WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "Only tour leaders can announce to this tour")
			return
		}
		scope = notify.TourScope(p.OrganizationID, req.TourID)
	} else if p.OrganizationID == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "tour_id is required when the token has no organization")
		return
	}

	title, err := validate.Title(req.Title)
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "title: "+err.Error())
		return
	}
	message, err := validate.Message(req.Message)
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "message: "+err.Error())
		return
	}
	severity := notify.Severity(req.Severity)
	if severity == "" {
		severity = notify.SeverityLow
	}

	n := notify.Notification{
		ID:        uuid.New().String(),
		Type:      notify.TypeAnnouncement,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Data: map[string]any{
			"author_id": p.UserID,
		},
	}
	if req.TourID != "" {
		n.Data["tour_id"] = req.TourID
	}

	delivered := 0
	if h.publisher != nil {
		delivered = h.publisher.Publish(ctx, n, scope)
	}

	recordAudit(r, h.auditLog, audit.LogEntry{
		EntityType: audit.EntityAnnouncement,
		EntityID:   n.ID,
		Action:     audit.ActionAnnouncementPublish,
	})
	WriteJSON(w, ctx, http.StatusAccepted, AnnouncementResponse{Notification: n, Delivered: delivered})
}
