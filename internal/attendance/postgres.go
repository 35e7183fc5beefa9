package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/toursync/toursync/internal/tracing"
)

// PostgresRepository implements Repository and CheckpointRepository on PostgreSQL.
// Schema: migrations 000001 and 000002.
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

const recordColumns = `
	id, user_id, tour_id, checkpoint_id, to_char(date, 'YYYY-MM-DD'), status,
	latitude, longitude, distance_meters, verified_by, version, created_at, updated_at`

// Upsert implements Repository. The conflict target is the unique
// (user_id, tour_id, date, checkpoint_id) index; the row's version is bumped on
// overwrite.
func (r *PostgresRepository) Upsert(ctx context.Context, rec *Record) (result *UpsertResult, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "attendance_records", tracing.DBOperationUpsert)
	defer func() { endSpan(err) }()

	query := `
		INSERT INTO attendance_records (
			user_id, tour_id, checkpoint_id, date, status,
			latitude, longitude, distance_meters, verified_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
		ON CONFLICT (user_id, tour_id, date, checkpoint_id) DO UPDATE SET
			status          = EXCLUDED.status,
			latitude        = EXCLUDED.latitude,
			longitude       = EXCLUDED.longitude,
			distance_meters = EXCLUDED.distance_meters,
			verified_by     = EXCLUDED.verified_by,
			version         = attendance_records.version + 1,
			updated_at      = NOW()
		RETURNING id, version, created_at, updated_at, (xmax = 0) AS inserted
	`

	var inserted bool
	err = r.db.QueryRowContext(ctx, query,
		rec.UserID,
		rec.TourID,
		rec.CheckpointID,
		rec.Date,
		string(rec.Status),
		rec.Latitude,
		rec.Longitude,
		rec.DistanceMeters,
		rec.VerifiedBy,
	).Scan(&rec.ID, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt, &inserted)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert attendance record: %w", err)
	}

	r.logger.DebugContext(ctx, "attendance record upserted",
		slog.String("record_id", rec.ID),
		slog.Bool("inserted", inserted),
		slog.Int("version", rec.Version))

	return &UpsertResult{Inserted: inserted, ID: rec.ID, Version: rec.Version}, nil
}

// Get implements Repository.
func (r *PostgresRepository) Get(ctx context.Context, key Key) (rec *Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "attendance_records", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT` + recordColumns + `
		FROM attendance_records
		WHERE user_id = $1 AND tour_id = $2 AND date = $3 AND checkpoint_id = $4
	`
	rec, err = scanRecord(r.db.QueryRowContext(ctx, query, key.UserID, key.TourID, key.Date, key.CheckpointID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attendance record: %w", err)
	}
	return rec, nil
}

// ListByTourDate implements Repository.
func (r *PostgresRepository) ListByTourDate(ctx context.Context, tourID, date string) (records []*Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "attendance_records", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT` + recordColumns + `
		FROM attendance_records
		WHERE tour_id = $1 AND date = $2
		ORDER BY user_id, checkpoint_id
	`
	rows, err := r.db.QueryContext(ctx, query, tourID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to list attendance records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attendance record: %w", err)
		}
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attendance records: %w", err)
	}
	return records, nil
}

// CreateCheckpoint implements CheckpointRepository.
func (r *PostgresRepository) CreateCheckpoint(ctx context.Context, cp *Checkpoint) (err error) {
	if err := cp.Validate(); err != nil {
		return err
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, "checkpoints", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	query := `
		INSERT INTO checkpoints (tour_id, name, latitude, longitude, radius_meters)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err = r.db.QueryRowContext(ctx, query, cp.TourID, cp.Name, cp.Latitude, cp.Longitude, cp.RadiusMeters).
		Scan(&cp.ID, &cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint implements CheckpointRepository.
func (r *PostgresRepository) GetCheckpoint(ctx context.Context, id string) (cp *Checkpoint, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "checkpoints", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT id, tour_id, name, latitude, longitude, radius_meters, created_at
		FROM checkpoints
		WHERE id::text = $1
	`
	cp = &Checkpoint{}
	err = r.db.QueryRowContext(ctx, query, id).Scan(
		&cp.ID, &cp.TourID, &cp.Name, &cp.Latitude, &cp.Longitude, &cp.RadiusMeters, &cp.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints implements CheckpointRepository.
func (r *PostgresRepository) ListCheckpoints(ctx context.Context, tourID string) (checkpoints []*Checkpoint, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "checkpoints", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT id, tour_id, name, latitude, longitude, radius_meters, created_at
		FROM checkpoints
		WHERE tour_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, tourID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		cp := &Checkpoint{}
		if err := rows.Scan(&cp.ID, &cp.TourID, &cp.Name, &cp.Latitude, &cp.Longitude, &cp.RadiusMeters, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return checkpoints, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	var (
		status     string
		lat, lng   sql.NullFloat64
		distance   sql.NullFloat64
		verifiedBy sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.TourID, &rec.CheckpointID, &rec.Date, &status,
		&lat, &lng, &distance, &verifiedBy, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.Latitude = nullFloat(lat)
	rec.Longitude = nullFloat(lng)
	rec.DistanceMeters = nullFloat(distance)
	rec.VerifiedBy = verifiedBy.String
	return rec, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
