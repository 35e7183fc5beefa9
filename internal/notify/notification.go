// Package notify provides the in-process notification hub that fans typed
// events (SOS, health, incident, attendance, announcement) out to live
// subscribers over long-lived connections.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"
)

// Type is the notification category.
type Type string

// Notification types.
const (
	TypeSOS          Type = "SOS"
	TypeHealth       Type = "HEALTH"
	TypeIncident     Type = "INCIDENT"
	TypeAttendance   Type = "ATTENDANCE"
	TypeAnnouncement Type = "ANNOUNCEMENT"
)

// Severity is the notification urgency tier.
type Severity string

// Severity tiers, lowest first.
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ErrInvalidNotification is returned when a notification has an unknown type or severity.
var ErrInvalidNotification = errors.New("invalid notification")

// Valid reports whether t is a known notification type.
func (t Type) Valid() bool {
	switch t {
	case TypeSOS, TypeHealth, TypeIncident, TypeAttendance, TypeAnnouncement:
		return true
	}
	return false
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Notification is a single ephemeral event. The hub never persists it.
type Notification struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Severity  Severity       `json:"severity"`
}

// Validate checks the type and severity.
func (n Notification) Validate() error {
	if !n.Type.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidNotification, n.Type)
	}
	if !n.Severity.Valid() {
		return fmt.Errorf("%w: severity %q", ErrInvalidNotification, n.Severity)
	}
	return nil
}

// Identity is the authenticated principal a subscription is opened for.
// Authorization (which tours a user may see) is resolved before subscribing.
type Identity struct {
	UserID         string
	OrganizationID string
	TourIDs        []string
}

// Scope selects which subscriptions receive a publish.
//
// A tour scope reaches subscribers authorized for that tour. An organization-only
// scope reaches every subscriber in the organization. A user scope reaches that
// user directly. The zero Scope matches nothing.
type Scope struct {
	OrganizationID string `json:"organization_id,omitempty"`
	TourID         string `json:"tour_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

// TourScope scopes a publish to one tour of an organization.
func TourScope(orgID, tourID string) Scope {
	return Scope{OrganizationID: orgID, TourID: tourID}
}

// Matches reports whether a subscriber with the given identity falls inside the scope.
func (s Scope) Matches(id Identity) bool {
	if s.UserID != "" && s.UserID == id.UserID {
		return true
	}
	if s.TourID != "" {
		if s.OrganizationID != "" && s.OrganizationID != id.OrganizationID {
			return false
		}
		return slices.Contains(id.TourIDs, s.TourID)
	}
	if s.OrganizationID != "" {
		return s.OrganizationID == id.OrganizationID
	}
	return false
}

// WriteSSE writes n as one text/event-stream message: id, event type and a single
// JSON data line, terminated by a blank line.
func WriteSSE(w io.Writer, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", n.ID, n.Type, data)
	return err
}
