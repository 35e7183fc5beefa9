// Package db opens the PostgreSQL connection pool and applies the schema
// migrations the attendance, incident and audit stores depend on.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq" // registers the "postgres" driver
)

// DriverName is the database/sql driver used for PostgreSQL.
const DriverName = "postgres"

// Pool limits applied by Open.
const (
	MaxOpenConns    = 25
	MaxIdleConns    = 5
	ConnMaxLifetime = 30 * time.Minute
)

// DefaultConnectTimeout bounds how long Open retries an unreachable database.
const DefaultConnectTimeout = 30 * time.Second

// Open connects to PostgreSQL, retrying the initial ping with exponential
// backoff until it succeeds or connectTimeout elapses. A zero timeout uses
// DefaultConnectTimeout.
func Open(ctx context.Context, dsn string, connectTimeout time.Duration, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	conn, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(MaxOpenConns)
	conn.SetMaxIdleConns(MaxIdleConns)
	conn.SetConnMaxLifetime(ConnMaxLifetime)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = connectTimeout

	attempt := 0
	ping := func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return conn.PingContext(pingCtx)
	}
	notify := func(err error, next time.Duration) {
		logger.WarnContext(ctx, "database not ready, retrying",
			"attempt", attempt,
			"retry_in", next.String(),
			"error", err)
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(policy, ctx), notify); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to database after %d attempts: %w", attempt, err)
	}

	logger.InfoContext(ctx, "database connected", "attempts", attempt)
	return conn, nil
}

// Migration is one forward schema step.
type Migration struct {
	Version string // file name prefix, e.g. "000001"
	Name    string // file name
	SQL     string
}

// LoadMigrations reads every *.up.sql file in fsys, ordered by version.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		version, _, ok := strings.Cut(path.Base(name), "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("migration %s: file name must start with a version prefix", name)
		}
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(data)})
	}
	return migrations, nil
}

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Migrate applies every migration in fsys not yet recorded in
// schema_migrations, each in its own transaction. It returns how many ran.
func Migrate(ctx context.Context, conn *sql.DB, fsys fs.FS, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return 0, err
	}
	if _, err := conn.ExecContext(ctx, createMigrationsTable); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return 0, fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("read schema_migrations: %w", err)
	}

	ran := 0
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if err := apply(ctx, conn, m); err != nil {
			return ran, err
		}
		logger.InfoContext(ctx, "migration applied", "version", m.Version, "name", m.Name)
		ran++
	}
	return ran, nil
}

func apply(ctx context.Context, conn *sql.DB, m Migration) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %s: begin: %w", m.Name, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("migration %s: %w", m.Name, err)
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version); err != nil {
		return fmt.Errorf("migration %s: record version: %w", m.Name, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("migration %s: commit: %w", m.Name, err)
	}
	return nil
}
