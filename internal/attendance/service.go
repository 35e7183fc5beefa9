package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/toursync/toursync/internal/geo"
	"github.com/toursync/toursync/internal/notify"
	"github.com/toursync/toursync/internal/stats"
	"github.com/toursync/toursync/internal/tracing"
)

// Publisher emits notifications. *notify.Hub implements it.
type Publisher interface {
	Publish(ctx context.Context, n notify.Notification, scope notify.Scope) int
}

// Service runs check-ins: geofence evaluation, the last-write-wins record
// write, and the ATTENDANCE notification.
type Service struct {
	records     Repository
	checkpoints CheckpointRepository
	publisher   Publisher
	logger      *slog.Logger
	stats       *stats.CheckInStats
	now         func() time.Time
}

// NewService creates a Service. publisher may be nil.
func NewService(records Repository, checkpoints CheckpointRepository, publisher Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		records:     records,
		checkpoints: checkpoints,
		publisher:   publisher,
		logger:      logger,
		stats:       stats.NewCheckInStats(),
		now:         time.Now,
	}
}

// Stats returns the running check-in counters.
func (s *Service) Stats() *stats.CheckInStats { return s.stats }

// CheckInInput is one check-in attempt.
type CheckInInput struct {
	OrganizationID string
	TourID         string

	// UserID is whose attendance is written.
	UserID string

	// VerifiedBy is set when a leader records attendance for someone else.
	// Such check-ins skip the geofence and may omit the location.
	VerifiedBy string

	CheckpointID string
	Location     *geo.Point // reporter position; nil when acquisition failed
	Place        *geo.Point // inline place used when no checkpoint is given
	Date         string     // YYYY-MM-DD, empty for today
	Status       Status     // empty for PRESENT
}

// CheckInResult is an accepted check-in.
type CheckInResult struct {
	Record     *Record
	Evaluation *geo.Evaluation // nil for leader overrides
	Inserted   bool
}

// CheckIn validates and records a check-in. A check-in outside the fence
// returns *OutsideGeofenceError and writes nothing.
func (s *Service) CheckIn(ctx context.Context, in CheckInInput) (result *CheckInResult, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "attendance.check_in",
		tracing.AttrTourID.String(in.TourID),
		tracing.AttrCheckpointID.String(in.CheckpointID),
	)
	defer func() { endSpan(err) }()

	status := in.Status
	if status == "" {
		status = StatusPresent
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, in.Status)
	}
	date, err := ParseDate(in.Date, s.now())
	if err != nil {
		return nil, err
	}

	override := in.VerifiedBy != "" && in.VerifiedBy != in.UserID

	if in.Location == nil && !override {
		return nil, geo.ErrLocationUnavailable
	}
	if in.Location != nil {
		if err := in.Location.Validate(); err != nil {
			return nil, err
		}
	}

	fence, err := s.resolveFence(ctx, in)
	if err != nil {
		if !(override && errors.Is(err, geo.ErrMissingCheckpoint)) {
			return nil, err
		}
	}

	rec := &Record{
		UserID:       in.UserID,
		TourID:       in.TourID,
		CheckpointID: in.CheckpointID,
		Date:         date,
		Status:       status,
	}
	if in.Location != nil {
		lat, lng := in.Location.Lat, in.Location.Lng
		rec.Latitude, rec.Longitude = &lat, &lng
	}

	var eval *geo.Evaluation
	if override {
		rec.VerifiedBy = in.VerifiedBy
	} else {
		e, err := geo.Evaluate(*in.Location, fence)
		if err != nil {
			return nil, err
		}
		if !e.Accepted {
			s.logger.InfoContext(ctx, "check-in rejected outside geofence",
				slog.String("user_id", in.UserID),
				slog.String("tour_id", in.TourID),
				slog.String("checkpoint_id", in.CheckpointID),
				slog.Float64("distance_meters", e.DistanceMeters),
				slog.Float64("radius_meters", e.RadiusMeters))
			s.stats.RecordRejected()
			return nil, &OutsideGeofenceError{Evaluation: e}
		}
		eval = &e
		d := e.DistanceMeters
		rec.DistanceMeters = &d
	}

	upsert, err := s.records.Upsert(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("record attendance: %w", err)
	}

	s.stats.RecordAccepted(upsert.Inserted, override)
	s.logger.InfoContext(ctx, "attendance recorded",
		slog.String("record_id", rec.ID),
		slog.String("user_id", rec.UserID),
		slog.String("tour_id", rec.TourID),
		slog.String("status", string(rec.Status)),
		slog.Bool("inserted", upsert.Inserted),
		slog.Int("version", rec.Version),
		slog.Bool("leader_override", override))

	s.publish(ctx, in.OrganizationID, rec)

	return &CheckInResult{Record: rec, Evaluation: eval, Inserted: upsert.Inserted}, nil
}

// resolveFence returns the registered checkpoint's fence, or an ad-hoc fence
// around the inline place. Without either it returns geo.ErrMissingCheckpoint.
func (s *Service) resolveFence(ctx context.Context, in CheckInInput) (*geo.Fence, error) {
	if in.CheckpointID != "" {
		cp, err := s.checkpoints.GetCheckpoint(ctx, in.CheckpointID)
		if err != nil {
			return nil, err
		}
		if cp.TourID != in.TourID {
			return nil, ErrCheckpointNotFound
		}
		return cp.Fence(), nil
	}
	if in.Place != nil {
		if err := in.Place.Validate(); err != nil {
			return nil, err
		}
		return &geo.Fence{Center: *in.Place, RadiusMeters: DefaultAdHocRadiusMeters}, nil
	}
	return nil, geo.ErrMissingCheckpoint
}

func (s *Service) publish(ctx context.Context, orgID string, rec *Record) {
	if s.publisher == nil {
		return
	}

	data := map[string]any{
		"record_id": rec.ID,
		"user_id":   rec.UserID,
		"tour_id":   rec.TourID,
		"date":      rec.Date,
		"status":    string(rec.Status),
	}
	if rec.CheckpointID != "" {
		data["checkpoint_id"] = rec.CheckpointID
	}
	if rec.DistanceMeters != nil {
		data["distance_meters"] = *rec.DistanceMeters
	}
	if rec.VerifiedBy != "" {
		data["verified_by"] = rec.VerifiedBy
	}

	message := fmt.Sprintf("%s marked %s", rec.UserID, rec.Status)
	if rec.CheckpointID != "" {
		message += " at checkpoint " + rec.CheckpointID
	}

	s.publisher.Publish(ctx, notify.Notification{
		Type:     notify.TypeAttendance,
		Title:    "Attendance updated",
		Message:  message,
		Data:     data,
		Severity: notify.SeverityLow,
	}, notify.TourScope(orgID, rec.TourID))
}

// List returns a tour's attendance for a date (today when empty).
func (s *Service) List(ctx context.Context, tourID, date string) ([]*Record, error) {
	d, err := ParseDate(date, s.now())
	if err != nil {
		return nil, err
	}
	return s.records.ListByTourDate(ctx, tourID, d)
}

// CreateCheckpoint registers a checkpoint for a tour.
func (s *Service) CreateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := s.checkpoints.CreateCheckpoint(ctx, cp); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "checkpoint registered",
		slog.String("checkpoint_id", cp.ID),
		slog.String("tour_id", cp.TourID),
		slog.Float64("radius_meters", cp.RadiusMeters))
	return nil
}

// ListCheckpoints returns a tour's checkpoints.
func (s *Service) ListCheckpoints(ctx context.Context, tourID string) ([]*Checkpoint, error) {
	return s.checkpoints.ListCheckpoints(ctx, tourID)
}
