// Package stats keeps running check-in counters for periodic log reports.
package stats

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// CheckInStats counts check-in outcomes since the last Reset.
// All operations are safe for concurrent use.
type CheckInStats struct {
	inserted  atomic.Int64 // first write for the user, tour and date
	updated   atomic.Int64 // later write that replaced the record
	rejected  atomic.Int64 // outside the geofence
	overrides atomic.Int64 // recorded by a leader for someone else
}

// NewCheckInStats creates zeroed counters.
func NewCheckInStats() *CheckInStats {
	return &CheckInStats{}
}

// RecordAccepted counts a stored check-in.
func (s *CheckInStats) RecordAccepted(inserted, override bool) {
	if inserted {
		s.inserted.Add(1)
	} else {
		s.updated.Add(1)
	}
	if override {
		s.overrides.Add(1)
	}
}

// RecordRejected counts a check-in refused by the geofence.
func (s *CheckInStats) RecordRejected() {
	s.rejected.Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Inserted  int64
	Updated   int64
	Rejected  int64
	Overrides int64
}

// Accepted is the number of stored check-ins.
func (s Snapshot) Accepted() int64 { return s.Inserted + s.Updated }

// RejectionRate is the share of attempts refused by the geofence, 0 with no attempts.
func (s Snapshot) RejectionRate() float64 {
	total := s.Accepted() + s.Rejected
	if total == 0 {
		return 0
	}
	return float64(s.Rejected) / float64(total)
}

func (s Snapshot) String() string {
	return fmt.Sprintf("inserted=%d updated=%d rejected=%d overrides=%d",
		s.Inserted, s.Updated, s.Rejected, s.Overrides)
}

// Snapshot returns the current counters.
func (s *CheckInStats) Snapshot() Snapshot {
	return Snapshot{
		Inserted:  s.inserted.Load(),
		Updated:   s.updated.Load(),
		Rejected:  s.rejected.Load(),
		Overrides: s.overrides.Load(),
	}
}

// Reset returns the counters accumulated so far and zeroes them.
func (s *CheckInStats) Reset() Snapshot {
	return Snapshot{
		Inserted:  s.inserted.Swap(0),
		Updated:   s.updated.Swap(0),
		Rejected:  s.rejected.Swap(0),
		Overrides: s.overrides.Swap(0),
	}
}

// LogAndReset logs the counters for the elapsed period at INFO level and
// starts a new period. Empty periods are not logged.
func (s *CheckInStats) LogAndReset(logger *slog.Logger) Snapshot {
	snap := s.Reset()
	if snap.Accepted()+snap.Rejected == 0 {
		return snap
	}
	logger.Info("check-in statistics",
		"inserted", snap.Inserted,
		"updated", snap.Updated,
		"rejected", snap.Rejected,
		"overrides", snap.Overrides,
		"rejection_rate", snap.RejectionRate(),
	)
	return snap
}
