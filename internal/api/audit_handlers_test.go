package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/toursync/toursync/internal/audit"
)

func seededAuditLog(t *testing.T) *audit.InMemoryRepository {
	t.Helper()
	repo := audit.NewInMemoryRepository()
	for _, e := range []audit.LogEntry{
		{UserID: "user-1", EntityType: audit.EntityAttendance, EntityID: "rec-1", Action: audit.ActionCheckIn},
		{UserID: "user-2", EntityType: audit.EntityIncident, EntityID: "inc-1", Action: audit.ActionSOS},
		{UserID: "user-1", EntityType: audit.EntityAttendance, EntityID: "rec-2", Action: audit.ActionCheckIn},
	} {
		if _, err := repo.LogAccess(context.Background(), e); err != nil {
			t.Fatalf("seed audit log: %v", err)
		}
	}
	return repo
}

func TestAuditExport_JSON(t *testing.T) {
	repo := seededAuditLog(t)
	h := NewAuditHandlers(repo)

	w := httptest.NewRecorder()
	h.Export(w, newRequest(t, http.MethodGet, "/api/audit/export", &admin, nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, ".json") {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}

	var entries []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0]["entity_id"] != "rec-1" {
		t.Errorf("expected oldest entry first, got %v", entries[0]["entity_id"])
	}

	logs := repo.All()
	last := logs[len(logs)-1]
	if last.Action != audit.ActionExport || last.UserID != admin.UserID {
		t.Errorf("export must be audited, last entry %+v", last)
	}
}

func TestAuditExport_CSVForUser(t *testing.T) {
	h := NewAuditHandlers(seededAuditLog(t))

	w := httptest.NewRecorder()
	h.Export(w, newRequest(t, http.MethodGet, "/api/audit/export?format=csv&user_id=user-1", &admin, nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("expected text/csv, got %q", ct)
	}
	rows, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("expected header plus 2 rows, got %d rows", len(rows))
	}
}

func TestAuditExport_DateRange(t *testing.T) {
	h := NewAuditHandlers(seededAuditLog(t))
	tomorrow := time.Now().UTC().AddDate(0, 0, 1).Format(time.DateOnly)

	w := httptest.NewRecorder()
	h.Export(w, newRequest(t, http.MethodGet, "/api/audit/export?from="+tomorrow, &admin, nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var entries []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries from tomorrow on, got %d", len(entries))
	}
}

func TestAuditExport_BadParams(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantCode string
	}{
		{"unknown format", "?format=xml", ErrCodeUnsupportedFormat},
		{"bad from", "?from=yesterday", ErrCodeValidation},
		{"to before from", "?from=2026-05-02&to=2026-05-01", ErrCodeValidation},
		{"bad limit", "?limit=-1", ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAuditHandlers(audit.NewInMemoryRepository())
			w := httptest.NewRecorder()
			h.Export(w, newRequest(t, http.MethodGet, "/api/audit/export"+tt.query, &admin, nil))

			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", w.Code)
			}
			if code := errorCode(t, w); code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, code)
			}
		})
	}
}

func TestParseBound(t *testing.T) {
	end, err := parseBound("2026-05-01", true)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 5, 1, 23, 59, 59, 999999999, time.UTC); !end.Equal(want) {
		t.Errorf("end of day = %v, want %v", end, want)
	}
	start, err := parseBound("2026-05-01T10:00:00Z", false)
	if err != nil {
		t.Fatal(err)
	}
	if start.Hour() != 10 {
		t.Errorf("expected 10:00, got %v", start)
	}
	if zero, _ := parseBound("", false); !zero.IsZero() {
		t.Error("empty bound must be zero")
	}
}
