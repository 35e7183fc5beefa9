package incident

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/toursync/toursync/internal/notify"
	"github.com/toursync/toursync/internal/tracing"
)

// PostgresRepository implements Repository on PostgreSQL (migration 000003).
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

const incidentColumns = `
	id, organization_id, tour_id, reporter_id, kind, severity, description,
	latitude, longitude, coarse_geohash, location_raw, notification_id, created_at`

// Create implements Repository. The ID is always generated by the database.
func (r *PostgresRepository) Create(ctx context.Context, inc *Incident) (err error) {
	if err := inc.Validate(); err != nil {
		return err
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, "incidents", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	query := `
		INSERT INTO incidents (
			organization_id, tour_id, reporter_id, kind, severity, description,
			latitude, longitude, coarse_geohash, location_raw, notification_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
		RETURNING id, created_at
	`
	err = r.db.QueryRowContext(ctx, query,
		inc.OrganizationID,
		inc.TourID,
		inc.ReporterID,
		string(inc.Kind),
		string(inc.Severity),
		inc.Description,
		inc.Latitude,
		inc.Longitude,
		inc.CoarseGeohash,
		inc.LocationRaw,
		inc.NotificationID,
	).Scan(&inc.ID, &inc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}

	r.logger.DebugContext(ctx, "incident stored",
		slog.String("incident_id", inc.ID),
		slog.String("kind", string(inc.Kind)))
	return nil
}

// Get implements Repository.
func (r *PostgresRepository) Get(ctx context.Context, id string) (inc *Incident, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "incidents", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	inc, err = scanIncident(r.db.QueryRowContext(ctx,
		`SELECT`+incidentColumns+` FROM incidents WHERE id::text = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIncidentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return inc, nil
}

// ListByTour implements Repository.
func (r *PostgresRepository) ListByTour(ctx context.Context, tourID string, limit int) (incidents []*Incident, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "incidents", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT` + incidentColumns + `
		FROM incidents
		WHERE tour_id = $1
		ORDER BY created_at DESC, id
	`
	args := []any{tourID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incidents: %w", err)
	}
	return incidents, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*Incident, error) {
	inc := &Incident{}
	var (
		kind, severity string
		lat, lng       sql.NullFloat64
		geohash        sql.NullString
	)
	err := row.Scan(
		&inc.ID, &inc.OrganizationID, &inc.TourID, &inc.ReporterID, &kind, &severity, &inc.Description,
		&lat, &lng, &geohash, &inc.LocationRaw, &inc.NotificationID, &inc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	inc.Kind = Kind(kind)
	inc.Severity = notify.Severity(severity)
	if lat.Valid && lng.Valid {
		la, ln := lat.Float64, lng.Float64
		inc.Latitude, inc.Longitude = &la, &ln
	}
	inc.CoarseGeohash = geohash.String
	return inc, nil
}
