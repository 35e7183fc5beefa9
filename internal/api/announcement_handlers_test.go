package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/toursync/toursync/internal/audit"
	"github.com/toursync/toursync/internal/auth"
	"github.com/toursync/toursync/internal/notify"
)

func TestAnnounce(t *testing.T) {
	tests := []struct {
		name       string
		principal  auth.Principal
		body       AnnouncementRequest
		wantStatus int
		wantScope  notify.Scope
	}{
		{
			name:       "leader to tour",
			principal:  leader,
			body:       AnnouncementRequest{TourID: "tour-1", Title: "Bus leaves", Message: "Meet at the bus at 14:00"},
			wantStatus: http.StatusAccepted,
			wantScope:  notify.TourScope("org-1", "tour-1"),
		},
		{
			name:       "admin to organization",
			principal:  admin,
			body:       AnnouncementRequest{Title: "Strike", Message: "Metro closed today", Severity: "HIGH"},
			wantStatus: http.StatusAccepted,
			wantScope:  notify.Scope{OrganizationID: "org-1"},
		},
		{
			name:       "leader of another tour",
			principal:  leader,
			body:       AnnouncementRequest{TourID: "tour-2", Title: "x", Message: "y"},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "no organization and no tour",
			principal:  auth.Principal{UserID: "admin-2", Role: auth.RoleAdmin},
			body:       AnnouncementRequest{Title: "x", Message: "y"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing title",
			principal:  leader,
			body:       AnnouncementRequest{TourID: "tour-1", Message: "y"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown severity",
			principal:  leader,
			body:       AnnouncementRequest{TourID: "tour-1", Title: "x", Message: "y", Severity: "LOUD"},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{}
			auditLog := audit.NewInMemoryRepository()
			h := NewAnnouncementHandlers(pub, auditLog)

			w := httptest.NewRecorder()
			h.Announce(w, newRequest(t, http.MethodPost, "/api/announcements", &tt.principal, tt.body))

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.wantStatus != http.StatusAccepted {
				if len(pub.published) != 0 {
					t.Error("rejected announcement must not publish")
				}
				return
			}

			var resp AnnouncementResponse
			decodeBody(t, w, &resp)
			if resp.Notification.Type != notify.TypeAnnouncement {
				t.Errorf("expected ANNOUNCEMENT, got %s", resp.Notification.Type)
			}
			if resp.Notification.ID == "" || resp.Notification.Timestamp.IsZero() {
				t.Error("expected id and timestamp to be set")
			}
			if tt.body.Severity == "" && resp.Notification.Severity != notify.SeverityLow {
				t.Errorf("expected default severity LOW, got %s", resp.Notification.Severity)
			}
			if len(pub.scopes) != 1 || pub.scopes[0] != tt.wantScope {
				t.Errorf("expected scope %+v, got %+v", tt.wantScope, pub.scopes)
			}
			if logs := auditLog.All(); len(logs) != 1 || logs[0].Action != audit.ActionAnnouncementPublish {
				t.Errorf("expected announcement audit entry, got %+v", logs)
			}
		})
	}
}
