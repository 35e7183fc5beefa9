package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/toursync/toursync/internal/audit"
)

// AuditHandlers serves the admin audit log export.
type AuditHandlers struct {
	repo audit.Repository
	now  func() time.Time
}

// NewAuditHandlers creates the handlers.
func NewAuditHandlers(repo audit.Repository) *AuditHandlers {
	return &AuditHandlers{repo: repo, now: time.Now}
}

// Export handles GET /api/audit/export?format=csv|json&from=&to=&user_id=&limit=.
// from and to are RFC 3339 timestamps or YYYY-MM-DD dates (to is then
// inclusive of the whole day). The export itself is audited.
func (h *AuditHandlers) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	format := audit.ExportFormat(q.Get("format"))
	if format == "" {
		format = audit.ExportFormatJSON
	}

	from, err := parseBound(q.Get("from"), false)
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "from: "+err.Error())
		return
	}
	to, err := parseBound(q.Get("to"), true)
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "to: "+err.Error())
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "to must not be before from")
		return
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 1 {
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "limit must be a positive integer")
			return
		}
	}

	data, err := audit.ExportLogs(ctx, h.repo, audit.ExportOptions{
		Format: format,
		From:   from,
		To:     to,
		UserID: q.Get("user_id"),
		Limit:  limit,
	})
	if err != nil {
		if errors.Is(err, audit.ErrUnsupportedFormat) {
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeUnsupportedFormat, "format must be csv or json")
			return
		}
		slog.ErrorContext(ctx, "failed to export audit logs", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to export audit logs")
		return
	}

	recordAudit(r, h.repo, audit.LogEntry{
		EntityType: audit.EntityAuditLog,
		EntityID:   string(format),
		Action:     audit.ActionExport,
	})

	filename := fmt.Sprintf("audit-%s.%s", h.now().UTC().Format("20060102T150405Z"), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write audit export", "error", err)
	}
}

func parseBound(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, errors.New("must be RFC 3339 or YYYY-MM-DD")
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Nanosecond)
	}
	return d, nil
}
