// Package audit records sensitive operations (check-ins, leader overrides,
// SOS alerts, incident reports, announcements) in an append-only,
// hash-chained log for incident response and compliance review.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Outcome of an audited operation.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Entity types.
const (
	EntityAttendance   = "attendance"
	EntityCheckpoint   = "checkpoint"
	EntityIncident     = "incident"
	EntityAnnouncement = "announcement"
	EntityAuditLog     = "audit_log"
)

// Actions.
const (
	ActionCheckIn             = "attendance_check_in"
	ActionAttendanceOverride  = "attendance_override"
	ActionCheckpointCreate    = "checkpoint_create"
	ActionSOS                 = "incident_sos"
	ActionIncidentReport      = "incident_report"
	ActionAnnouncementPublish = "announcement_publish"
	ActionExport              = "audit_export"
)

// ErrChainBroken is returned by VerifyChain when an entry's PreviousHash does
// not match its predecessor.
var ErrChainBroken = errors.New("audit hash chain broken")

// AuditLog is a single stored audit event.
type AuditLog struct {
	ID             string
	UserID         string
	OrganizationID string
	EntityType     string
	EntityID       string
	Action         string
	Outcome        string
	CreatedAt      time.Time

	// Optional request metadata
	RequestID string
	IPAddress string
	UserAgent string

	// PreviousHash is Hash() of the entry written immediately before this one.
	PreviousHash string

	IPAnonymizedAt *time.Time
}

// LogEntry is the input for a new audit event.
type LogEntry struct {
	UserID         string
	OrganizationID string
	EntityType     string
	EntityID       string
	Action         string
	Outcome        string // defaults to OutcomeSuccess

	RequestID string
	IPAddress string
	UserAgent string
}

// Hash returns the SHA-256 over the entry's identifying fields and its own
// PreviousHash. IP address and user agent are left out so anonymization does
// not break the chain.
func (l *AuditLog) Hash() string {
	fields := []string{
		l.PreviousHash,
		l.ID,
		l.UserID,
		l.OrganizationID,
		l.EntityType,
		l.EntityID,
		l.Action,
		l.Outcome,
		l.RequestID,
		l.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks that logs, oldest first, form an unbroken chain.
// On failure it returns the index of the first bad entry and ErrChainBroken.
func VerifyChain(logs []*AuditLog) (int, error) {
	for i := 1; i < len(logs); i++ {
		if logs[i].PreviousHash != logs[i-1].Hash() {
			return i, ErrChainBroken
		}
	}
	return -1, nil
}
