package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports logs as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports logs as a JSON array.
	ExportFormatJSON ExportFormat = "json"
)

// MaxExportEntries caps a single export.
const MaxExportEntries = 10000

// ErrUnsupportedFormat is returned for an unknown export format.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// ExportOptions configures audit log export parameters.
type ExportOptions struct {
	Format ExportFormat
	From   time.Time // inclusive, zero is open
	To     time.Time // inclusive, zero is open
	UserID string    // optional filter
	Limit  int       // 0 or above MaxExportEntries means MaxExportEntries
}

// ContentType returns the MIME type for the format.
func (f ExportFormat) ContentType() string {
	if f == ExportFormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// ExportLogs exports matching entries, oldest first, so the chain can be
// re-verified from the file.
func ExportLogs(ctx context.Context, repo Repository, opts ExportOptions) ([]byte, error) {
	if opts.Format != ExportFormatCSV && opts.Format != ExportFormatJSON {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, opts.Format)
	}
	limit := opts.Limit
	if limit <= 0 || limit > MaxExportEntries {
		limit = MaxExportEntries
	}

	var (
		logs []*AuditLog
		err  error
	)
	if opts.UserID != "" {
		logs, err = repo.QueryByUser(ctx, opts.UserID, 0)
		if err == nil {
			logs = filterByTimeRange(logs, opts.From, opts.To)
		}
	} else {
		logs, err = repo.QueryRange(ctx, opts.From, opts.To, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	if len(logs) > limit {
		logs = logs[:limit]
	}
	slices.Reverse(logs)

	if opts.Format == ExportFormatCSV {
		return exportToCSV(logs)
	}
	return exportToJSON(logs)
}

func filterByTimeRange(logs []*AuditLog, from, to time.Time) []*AuditLog {
	filtered := logs[:0]
	for _, l := range logs {
		if inRange(l.CreatedAt, from, to) {
			filtered = append(filtered, l)
		}
	}
	return filtered
}

var csvHeader = []string{
	"ID",
	"Timestamp (UTC)",
	"User ID",
	"Organization ID",
	"Entity Type",
	"Entity ID",
	"Action",
	"Outcome",
	"Request ID",
	"IP Address",
	"User Agent",
	"Previous Hash",
}

func exportToCSV(logs []*AuditLog) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, l := range logs {
		row := []string{
			l.ID,
			l.CreatedAt.UTC().Format(time.RFC3339Nano),
			l.UserID,
			l.OrganizationID,
			l.EntityType,
			l.EntityID,
			l.Action,
			l.Outcome,
			l.RequestID,
			l.IPAddress,
			l.UserAgent,
			l.PreviousHash,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

type exportLog struct {
	ID             string `json:"id"`
	Timestamp      string `json:"timestamp"`
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id,omitempty"`
	EntityType     string `json:"entity_type"`
	EntityID       string `json:"entity_id"`
	Action         string `json:"action"`
	Outcome        string `json:"outcome"`
	RequestID      string `json:"request_id,omitempty"`
	IPAddress      string `json:"ip_address,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	PreviousHash   string `json:"previous_hash,omitempty"`
}

func exportToJSON(logs []*AuditLog) ([]byte, error) {
	out := make([]exportLog, len(logs))
	for i, l := range logs {
		out[i] = exportLog{
			ID:             l.ID,
			Timestamp:      l.CreatedAt.UTC().Format(time.RFC3339Nano),
			UserID:         l.UserID,
			OrganizationID: l.OrganizationID,
			EntityType:     l.EntityType,
			EntityID:       l.EntityID,
			Action:         l.Action,
			Outcome:        l.Outcome,
			RequestID:      l.RequestID,
			IPAddress:      l.IPAddress,
			UserAgent:      l.UserAgent,
			PreviousHash:   l.PreviousHash,
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}
