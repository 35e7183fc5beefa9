package incident

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/toursync/toursync/internal/geo"
	"github.com/toursync/toursync/internal/notify"
	"github.com/toursync/toursync/internal/tracing"
)

// Publisher emits notifications. *notify.Hub implements it.
type Publisher interface {
	Publish(ctx context.Context, n notify.Notification, scope notify.Scope) int
}

// Service records incidents and publishes them.
type Service struct {
	repo      Repository
	publisher Publisher
	logger    *slog.Logger
}

// NewService creates a Service. publisher may be nil.
func NewService(repo Repository, publisher Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, publisher: publisher, logger: logger}
}

// ReportInput is a new incident report.
type ReportInput struct {
	OrganizationID string
	TourID         string
	ReporterID     string
	Kind           Kind
	Severity       notify.Severity // empty uses the kind's default
	Description    string

	// Location is an optional "lat,lng" string.
	Location string
}

// Result is a stored and published incident.
type Result struct {
	Incident  *Incident
	Delivered int // live subscriptions reached on this instance
}

// DefaultSeverity returns the severity used when a report omits one.
func DefaultSeverity(k Kind) notify.Severity {
	switch k {
	case KindSOS:
		return notify.SeverityCritical
	case KindHealth:
		return notify.SeverityHigh
	default:
		return notify.SeverityMedium
	}
}

// SOS raises an emergency alert. It is never geofenced and always CRITICAL.
// Optional fields never block it: an unparseable location is sent as
// Data["location_raw"] and an over-long description is truncated.
func (s *Service) SOS(ctx context.Context, in ReportInput) (*Result, error) {
	in.Kind = KindSOS
	in.Severity = notify.SeverityCritical
	in.Description = TruncateDescription(strings.TrimSpace(in.Description))
	return s.report(ctx, in, true)
}

// Report stores an incident, then publishes it to the tour. The incident is
// written before publish so every alert a subscriber sees is durable.
func (s *Service) Report(ctx context.Context, in ReportInput) (*Result, error) {
	return s.report(ctx, in, false)
}

func (s *Service) report(ctx context.Context, in ReportInput, lenient bool) (result *Result, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "incident.report",
		tracing.AttrTourID.String(in.TourID),
		tracing.AttrIncidentKind.String(string(in.Kind)),
	)
	defer func() { endSpan(err) }()

	severity := in.Severity
	if severity == "" {
		severity = DefaultSeverity(in.Kind)
	}

	inc := &Incident{
		OrganizationID: in.OrganizationID,
		TourID:         in.TourID,
		ReporterID:     in.ReporterID,
		Kind:           in.Kind,
		Severity:       severity,
		Description:    strings.TrimSpace(in.Description),
		NotificationID: uuid.New().String(),
	}
	if loc := strings.TrimSpace(in.Location); loc != "" {
		p, perr := geo.ParsePoint(loc)
		switch {
		case perr == nil:
			inc.SetLocation(p)
		case lenient:
			inc.LocationRaw = html.EscapeString(truncateRunes(loc, MaxRawLocationLength))
			s.logger.WarnContext(ctx, "sending alert without its unreadable location",
				slog.String("tour_id", inc.TourID),
				slog.String("reporter_id", inc.ReporterID),
				slog.String("location_raw", inc.LocationRaw),
				slog.String("error", perr.Error()))
			tracing.AddEvent(ctx, "location_dropped", attribute.String("location_raw", inc.LocationRaw))
		default:
			return nil, perr
		}
	}

	if err := s.repo.Create(ctx, inc); err != nil {
		return nil, fmt.Errorf("store incident: %w", err)
	}

	level := slog.LevelInfo
	if inc.Kind == KindSOS {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "incident reported",
		slog.String("incident_id", inc.ID),
		slog.String("kind", string(inc.Kind)),
		slog.String("severity", string(inc.Severity)),
		slog.String("tour_id", inc.TourID),
		slog.String("reporter_id", inc.ReporterID),
		slog.String("geohash", inc.CoarseGeohash))

	delivered := 0
	if s.publisher != nil {
		delivered = s.publisher.Publish(ctx, notificationFor(inc), notify.TourScope(inc.OrganizationID, inc.TourID))
	}
	return &Result{Incident: inc, Delivered: delivered}, nil
}

func notificationFor(inc *Incident) notify.Notification {
	var title string
	switch inc.Kind {
	case KindSOS:
		title = "SOS alert"
	case KindHealth:
		title = "Health report"
	default:
		title = "Incident reported"
	}

	message := inc.Description
	if message == "" {
		message = fmt.Sprintf("%s raised by %s", title, inc.ReporterID)
	}

	data := map[string]any{
		"incident_id": inc.ID,
		"tour_id":     inc.TourID,
		"reporter_id": inc.ReporterID,
	}
	if p, ok := inc.Location(); ok {
		data["location"] = p.String()
		data["geohash"] = inc.CoarseGeohash
	} else if inc.LocationRaw != "" {
		data["location_raw"] = inc.LocationRaw
	}

	return notify.Notification{
		ID:       inc.NotificationID,
		Type:     inc.Kind.NotificationType(),
		Title:    title,
		Message:  message,
		Data:     data,
		Severity: inc.Severity,
	}
}

// ListByTour returns a tour's recent incidents, newest first.
func (s *Service) ListByTour(ctx context.Context, tourID string, limit int) ([]*Incident, error) {
	return s.repo.ListByTour(ctx, tourID, limit)
}
