package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/toursync/toursync/internal/tracing"
)

// sqliteSchema mirrors migrations 000001 and 000002 for single-node deployments
// that run without PostgreSQL.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id            TEXT PRIMARY KEY,
	tour_id       TEXT NOT NULL,
	name          TEXT NOT NULL,
	latitude      REAL NOT NULL,
	longitude     REAL NOT NULL,
	radius_meters REAL NOT NULL CHECK (radius_meters > 0),
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_tour ON checkpoints (tour_id);

CREATE TABLE IF NOT EXISTS attendance_records (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	tour_id         TEXT NOT NULL,
	checkpoint_id   TEXT NOT NULL DEFAULT '',
	date            TEXT NOT NULL,
	status          TEXT NOT NULL,
	latitude        REAL,
	longitude       REAL,
	distance_meters REAL,
	verified_by     TEXT,
	version         INTEGER NOT NULL DEFAULT 1,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	UNIQUE (user_id, tour_id, date, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS idx_attendance_tour_date ON attendance_records (tour_id, date);
`

// SQLiteRepository implements Repository and CheckpointRepository on an
// embedded SQLite database (modernc.org/sqlite, no cgo).
type SQLiteRepository struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	logger.Info("sqlite attendance store ready", slog.String("path", path))
	return &SQLiteRepository{db: db, logger: logger, now: time.Now}, nil
}

// DB returns the underlying handle, e.g. for health checks.
func (r *SQLiteRepository) DB() *sql.DB { return r.db }

// Close closes the database.
func (r *SQLiteRepository) Close() error { return r.db.Close() }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

// Upsert implements Repository.
func (r *SQLiteRepository) Upsert(ctx context.Context, rec *Record) (_ *UpsertResult, err error) {
	ctx, endSpan := tracing.StartDBSpanFor(ctx, tracing.DBSystemSQLite, "attendance_records", tracing.DBOperationUpsert)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			r.logger.Warn("failed to rollback transaction", slog.String("error", err.Error()))
		}
	}()

	now := formatTime(r.now())
	var (
		id        string
		version   int
		createdAt string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, version, created_at FROM attendance_records
		WHERE user_id = ? AND tour_id = ? AND date = ? AND checkpoint_id = ?`,
		rec.UserID, rec.TourID, rec.Date, rec.CheckpointID,
	).Scan(&id, &version, &createdAt)

	var verifiedBy any
	if rec.VerifiedBy != "" {
		verifiedBy = rec.VerifiedBy
	}

	inserted := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		inserted = true
		id = uuid.New().String()
		version = 1
		createdAt = now
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attendance_records (
				id, user_id, tour_id, checkpoint_id, date, status,
				latitude, longitude, distance_meters, verified_by, version, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, rec.UserID, rec.TourID, rec.CheckpointID, rec.Date, string(rec.Status),
			rec.Latitude, rec.Longitude, rec.DistanceMeters, verifiedBy, version, createdAt, now,
		)
	case err == nil:
		version++
		_, err = tx.ExecContext(ctx, `
			UPDATE attendance_records SET
				status = ?, latitude = ?, longitude = ?, distance_meters = ?,
				verified_by = ?, version = ?, updated_at = ?
			WHERE id = ?`,
			string(rec.Status), rec.Latitude, rec.Longitude, rec.DistanceMeters,
			verifiedBy, version, now, id,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert attendance record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	rec.ID = id
	rec.Version = version
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	rec.UpdatedAt, _ = parseTime(now)

	return &UpsertResult{Inserted: inserted, ID: id, Version: version}, nil
}

const sqliteRecordColumns = `
	id, user_id, tour_id, checkpoint_id, date, status,
	latitude, longitude, distance_meters, verified_by, version, created_at, updated_at`

func scanSQLiteRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	var (
		status               string
		lat, lng, distance   sql.NullFloat64
		verifiedBy           sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.TourID, &rec.CheckpointID, &rec.Date, &status,
		&lat, &lng, &distance, &verifiedBy, &rec.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.Latitude = nullFloat(lat)
	rec.Longitude = nullFloat(lng)
	rec.DistanceMeters = nullFloat(distance)
	rec.VerifiedBy = verifiedBy.String
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get implements Repository.
func (r *SQLiteRepository) Get(ctx context.Context, key Key) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+sqliteRecordColumns+`
		FROM attendance_records
		WHERE user_id = ? AND tour_id = ? AND date = ? AND checkpoint_id = ?`,
		key.UserID, key.TourID, key.Date, key.CheckpointID)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attendance record: %w", err)
	}
	return rec, nil
}

// ListByTourDate implements Repository.
func (r *SQLiteRepository) ListByTourDate(ctx context.Context, tourID, date string) ([]*Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT`+sqliteRecordColumns+`
		FROM attendance_records
		WHERE tour_id = ? AND date = ?
		ORDER BY user_id, checkpoint_id`, tourID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to list attendance records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attendance record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attendance records: %w", err)
	}
	return records, nil
}

// CreateCheckpoint implements CheckpointRepository.
func (r *SQLiteRepository) CreateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	cp.CreatedAt = r.now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, tour_id, name, latitude, longitude, radius_meters, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.TourID, cp.Name, cp.Latitude, cp.Longitude, cp.RadiusMeters, formatTime(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	return nil
}

func scanSQLiteCheckpoint(row rowScanner) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var createdAt string
	if err := row.Scan(&cp.ID, &cp.TourID, &cp.Name, &cp.Latitude, &cp.Longitude, &cp.RadiusMeters, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if cp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return cp, nil
}

// GetCheckpoint implements CheckpointRepository.
func (r *SQLiteRepository) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	cp, err := scanSQLiteCheckpoint(r.db.QueryRowContext(ctx, `
		SELECT id, tour_id, name, latitude, longitude, radius_meters, created_at
		FROM checkpoints WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints implements CheckpointRepository.
func (r *SQLiteRepository) ListCheckpoints(ctx context.Context, tourID string) ([]*Checkpoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tour_id, name, latitude, longitude, radius_meters, created_at
		FROM checkpoints WHERE tour_id = ?
		ORDER BY created_at, id`, tourID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		cp, err := scanSQLiteCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return checkpoints, nil
}
