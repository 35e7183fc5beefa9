package health

import (
	"context"
	"database/sql"
	"fmt"
)

// DBChecker pings a Postgres or SQLite handle.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker creates a new database health checker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck pings the database and runs a trivial query, which also
// catches a locked or read-only SQLite file that still answers pings.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	var one int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("query database: %w", err)
	}
	return nil
}
