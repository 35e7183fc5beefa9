// Package incident stores safety reports (SOS alerts, health reports and
// general incidents) and publishes them to the notification hub.
package incident

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/toursync/toursync/internal/geo"
	"github.com/toursync/toursync/internal/notify"
)

// GeohashPrecision is the precision of the stored coarse location.
const GeohashPrecision = geo.DefaultPrecision

// MaxDescriptionLength bounds the free-text description, counted in runes of
// the unescaped text.
const MaxDescriptionLength = 2000

// MaxRawLocationLength bounds an unparseable SOS location kept for responders.
const MaxRawLocationLength = 100

// Kind classifies an incident. Kinds map one-to-one onto notification types.
type Kind string

const (
	KindSOS      Kind = "SOS"
	KindHealth   Kind = "HEALTH"
	KindIncident Kind = "INCIDENT"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSOS, KindHealth, KindIncident:
		return true
	}
	return false
}

// NotificationType returns the notification type published for the kind.
func (k Kind) NotificationType() notify.Type {
	return notify.Type(k)
}

var (
	ErrIncidentNotFound = errors.New("incident not found")
	ErrInvalidIncident  = errors.New("invalid incident")
)

// Incident is a stored safety report.
type Incident struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id,omitempty"`
	TourID         string          `json:"tour_id"`
	ReporterID     string          `json:"reporter_id"`
	Kind           Kind            `json:"kind"`
	Severity       notify.Severity `json:"severity"`
	Description    string          `json:"description,omitempty"`
	Latitude       *float64        `json:"latitude,omitempty"`
	Longitude      *float64        `json:"longitude,omitempty"`
	CoarseGeohash  string          `json:"coarse_geohash,omitempty"`
	LocationRaw    string          `json:"location_raw,omitempty"` // SOS location that could not be parsed
	NotificationID string          `json:"notification_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SetLocation stores p and its coarse geohash.
func (i *Incident) SetLocation(p geo.Point) {
	lat, lng := p.Lat, p.Lng
	i.Latitude, i.Longitude = &lat, &lng
	i.CoarseGeohash = geo.Encode(p.Lat, p.Lng, GeohashPrecision)
}

// Location returns the reported point, if any.
func (i *Incident) Location() (geo.Point, bool) {
	if i.Latitude == nil || i.Longitude == nil {
		return geo.Point{}, false
	}
	return geo.Point{Lat: *i.Latitude, Lng: *i.Longitude}, true
}

// Validate checks the fields every incident needs.
func (i *Incident) Validate() error {
	if strings.TrimSpace(i.TourID) == "" {
		return fmt.Errorf("%w: tour_id is required", ErrInvalidIncident)
	}
	if i.ReporterID == "" {
		return fmt.Errorf("%w: reporter_id is required", ErrInvalidIncident)
	}
	if !i.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidIncident, i.Kind)
	}
	if !i.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidIncident, i.Severity)
	}
	if descriptionLength(i.Description) > MaxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidIncident, MaxDescriptionLength)
	}
	return nil
}

// Descriptions are stored HTML-escaped.
func descriptionLength(desc string) int {
	return utf8.RuneCountInString(html.UnescapeString(desc))
}

// TruncateDescription shortens an HTML-escaped description to
// MaxDescriptionLength runes of text, re-escaping the result.
func TruncateDescription(desc string) string {
	if descriptionLength(desc) <= MaxDescriptionLength {
		return desc
	}
	return html.EscapeString(truncateRunes(html.UnescapeString(desc), MaxDescriptionLength))
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
