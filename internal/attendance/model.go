// Package attendance records geofenced check-ins: checkpoints registered for
// a tour and the per-(user, tour, date, checkpoint) attendance decision.
package attendance

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/toursync/toursync/internal/geo"
)

// DateLayout is the calendar date format used for attendance dates.
const DateLayout = "2006-01-02"

// DefaultAdHocRadiusMeters is the fence radius around a place given inline
// instead of a registered checkpoint.
const DefaultAdHocRadiusMeters = 100.0

// Status is the attendance decision for a user at a checkpoint on a date.
type Status string

// Attendance statuses.
const (
	StatusPresent            Status = "PRESENT"
	StatusAbsent             Status = "ABSENT"
	StatusLeftWithPermission Status = "LEFT_WITH_PERMISSION"
	StatusPending            Status = "PENDING"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLeftWithPermission, StatusPending:
		return true
	}
	return false
}

// Errors returned by the attendance package.
var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrRecordNotFound     = errors.New("attendance record not found")
	ErrInvalidCheckpoint  = errors.New("invalid checkpoint")
	ErrInvalidStatus      = errors.New("invalid attendance status")
	ErrInvalidDate        = errors.New("invalid attendance date")

	// ErrOutsideGeofence is matched by *OutsideGeofenceError.
	ErrOutsideGeofence = errors.New("outside geofence")
)

// OutsideGeofenceError is a rejected check-in. It is a normal negative
// outcome and carries the evaluation so callers can show the distance.
type OutsideGeofenceError struct {
	Evaluation geo.Evaluation
}

func (e *OutsideGeofenceError) Error() string {
	return "outside geofence: " + e.Evaluation.Explain()
}

// Unwrap allows errors.Is(err, ErrOutsideGeofence).
func (e *OutsideGeofenceError) Unwrap() error { return ErrOutsideGeofence }

// Checkpoint is a named location of a tour with an acceptance radius.
// Checkpoints are immutable once created.
type Checkpoint struct {
	ID           string    `json:"id"`
	TourID       string    `json:"tour_id"`
	Name         string    `json:"name"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	RadiusMeters float64   `json:"radius_meters"`
	CreatedAt    time.Time `json:"created_at"`
}

// Fence returns the geofence around the checkpoint.
func (c *Checkpoint) Fence() *geo.Fence {
	return &geo.Fence{
		Center:       geo.Point{Lat: c.Latitude, Lng: c.Longitude},
		RadiusMeters: c.RadiusMeters,
	}
}

// Validate checks a checkpoint before it is registered.
func (c *Checkpoint) Validate() error {
	if strings.TrimSpace(c.TourID) == "" {
		return fmt.Errorf("%w: tour_id is required", ErrInvalidCheckpoint)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCheckpoint)
	}
	if err := (geo.Point{Lat: c.Latitude, Lng: c.Longitude}).Validate(); err != nil {
		return err
	}
	if !(c.RadiusMeters > 0) {
		return fmt.Errorf("%w: radius_meters must be positive", ErrInvalidCheckpoint)
	}
	return nil
}

// Record is one user's attendance decision. There is at most one record per
// Key; later writes overwrite earlier ones and bump Version.
type Record struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	TourID         string    `json:"tour_id"`
	CheckpointID   string    `json:"checkpoint_id,omitempty"`
	Date           string    `json:"date"`
	Status         Status    `json:"status"`
	Latitude       *float64  `json:"latitude,omitempty"`
	Longitude      *float64  `json:"longitude,omitempty"`
	DistanceMeters *float64  `json:"distance_meters,omitempty"`
	VerifiedBy     string    `json:"verified_by,omitempty"`
	Version        int       `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Key identifies the record slot a write lands in.
type Key struct {
	UserID       string
	TourID       string
	Date         string
	CheckpointID string
}

// Key returns the record's slot.
func (r *Record) Key() Key {
	return Key{UserID: r.UserID, TourID: r.TourID, Date: r.Date, CheckpointID: r.CheckpointID}
}

// ParseDate validates a YYYY-MM-DD date. An empty string yields today's date in UTC.
func ParseDate(s string, now time.Time) (string, error) {
	if s == "" {
		return now.UTC().Format(DateLayout), nil
	}
	if _, err := time.Parse(DateLayout, s); err != nil {
		return "", fmt.Errorf("%w: %q is not YYYY-MM-DD", ErrInvalidDate, s)
	}
	return s, nil
}
