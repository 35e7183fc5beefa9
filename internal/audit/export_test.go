package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func seededRepo(t *testing.T) *InMemoryRepository {
	t.Helper()
	repo := NewInMemoryRepository()
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	tick := 0
	repo.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Hour) }

	for _, e := range []LogEntry{
		entry(ActionCheckIn, EntityAttendance, "rec-1", "alice"),
		entry(ActionSOS, EntityIncident, "inc-1", "bob"),
		entry(ActionCheckIn, EntityAttendance, "rec-2", "alice"),
	} {
		if _, err := repo.LogAccess(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}
	return repo
}

func TestExportLogs_JSONIsChronologicalAndVerifiable(t *testing.T) {
	repo := seededRepo(t)

	data, err := ExportLogs(context.Background(), repo, ExportOptions{Format: ExportFormatJSON})
	if err != nil {
		t.Fatalf("ExportLogs() error = %v", err)
	}
	var out []exportLog
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("exported %d entries, want 3", len(out))
	}
	if out[0].EntityID != "rec-1" || out[2].EntityID != "rec-2" {
		t.Errorf("order = %s, %s, %s; want oldest first", out[0].EntityID, out[1].EntityID, out[2].EntityID)
	}
	if out[0].PreviousHash != "" || out[1].PreviousHash == "" {
		t.Error("previous hashes not exported")
	}
}

func TestExportLogs_Filters(t *testing.T) {
	repo := seededRepo(t)
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		opts ExportOptions
		want int
	}{
		{name: "by user", opts: ExportOptions{UserID: "alice"}, want: 2},
		{name: "by user and range", opts: ExportOptions{UserID: "alice", From: base.Add(2 * time.Hour)}, want: 1},
		{name: "range only", opts: ExportOptions{From: base.Add(2 * time.Hour), To: base.Add(2 * time.Hour)}, want: 1},
		{name: "limit", opts: ExportOptions{Limit: 2}, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Format = ExportFormatCSV
			data, err := ExportLogs(context.Background(), repo, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			rows, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
			if err != nil {
				t.Fatal(err)
			}
			if len(rows)-1 != tt.want {
				t.Errorf("exported %d rows, want %d", len(rows)-1, tt.want)
			}
			if rows[0][2] != "User ID" {
				t.Errorf("header = %v", rows[0])
			}
		})
	}
}

func TestExportLogs_UnsupportedFormat(t *testing.T) {
	if _, err := ExportLogs(context.Background(), NewInMemoryRepository(), ExportOptions{Format: "xml"}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("error = %v, want ErrUnsupportedFormat", err)
	}
	if ExportFormatCSV.ContentType() != "text/csv" || ExportFormatJSON.ContentType() != "application/json" {
		t.Error("unexpected content types")
	}
}

func TestAnonymizationJob_Run(t *testing.T) {
	repo := NewInMemoryRepository()
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return old }
	e := entry(ActionSOS, EntityIncident, "inc", "u")
	e.IPAddress = "203.0.113.200"
	_, _ = repo.LogAccess(context.Background(), e)

	job := NewAnonymizationJob(AnonymizationJobConfig{Repository: repo})
	job.now = func() time.Time { return old.Add(IPRetention + time.Hour) }

	n, err := job.Run(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Run() = %d, %v", n, err)
	}
	if got := repo.All()[0].IPAddress; got != "203.0.113.0" {
		t.Errorf("IPAddress = %q", got)
	}
}
