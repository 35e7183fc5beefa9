package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/toursync/toursync/internal/tracing"
)

// chainLockKey serializes appends so each row links to its true predecessor.
const chainLockKey = 7204311

// PostgresRepository implements Repository on PostgreSQL (migration 000004).
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

const auditColumns = `
	id, user_id, organization_id, entity_type, entity_id, action, outcome,
	request_id, ip_address, user_agent, previous_hash, ip_anonymized_at, created_at`

// LogAccess implements Repository. The chain tail is read and the new row
// inserted under a transaction-scoped advisory lock.
func (r *PostgresRepository) LogAccess(ctx context.Context, entry LogEntry) (log *AuditLog, err error) {
	if err := validateEntry(&entry); err != nil {
		return nil, err
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_logs", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin audit tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return nil, fmt.Errorf("lock audit chain: %w", err)
	}

	previousHash := ""
	last, err := scanLog(tx.QueryRowContext(ctx, `SELECT`+auditColumns+` FROM audit_logs ORDER BY seq DESC LIMIT 1`))
	switch {
	case err == nil:
		previousHash = last.Hash()
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("read audit chain tail: %w", err)
	}

	log = newLog(entry, r.now())
	log.PreviousHash = previousHash

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, user_id, organization_id, entity_type, entity_id, action, outcome,
			request_id, ip_address, user_agent, previous_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		log.ID, log.UserID, log.OrganizationID, log.EntityType, log.EntityID, log.Action, log.Outcome,
		log.RequestID, log.IPAddress, log.UserAgent, log.PreviousHash, log.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit log: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit audit log: %w", err)
	}
	return log, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLog(row rowScanner) (*AuditLog, error) {
	var (
		l            AuditLog
		anonymizedAt sql.NullTime
	)
	err := row.Scan(&l.ID, &l.UserID, &l.OrganizationID, &l.EntityType, &l.EntityID, &l.Action, &l.Outcome,
		&l.RequestID, &l.IPAddress, &l.UserAgent, &l.PreviousHash, &anonymizedAt, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	l.CreatedAt = l.CreatedAt.UTC()
	if anonymizedAt.Valid {
		t := anonymizedAt.Time.UTC()
		l.IPAnonymizedAt = &t
	}
	return &l, nil
}

func (r *PostgresRepository) queryLogs(ctx context.Context, where string, limit int, args ...any) (logs []*AuditLog, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_logs", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var b strings.Builder
	b.WriteString(`SELECT` + auditColumns + ` FROM audit_logs`)
	if where != "" {
		b.WriteString(" WHERE " + where)
	}
	b.WriteString(" ORDER BY seq DESC")
	if limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// QueryByEntity implements Repository.
func (r *PostgresRepository) QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*AuditLog, error) {
	return r.queryLogs(ctx, "entity_type = $1 AND entity_id = $2", limit, entityType, entityID)
}

// QueryByUser implements Repository.
func (r *PostgresRepository) QueryByUser(ctx context.Context, userID string, limit int) ([]*AuditLog, error) {
	return r.queryLogs(ctx, "user_id = $1", limit, userID)
}

// QueryRange implements Repository.
func (r *PostgresRepository) QueryRange(ctx context.Context, from, to time.Time, limit int) ([]*AuditLog, error) {
	var (
		conds []string
		args  []any
	)
	if !from.IsZero() {
		args = append(args, from)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	return r.queryLogs(ctx, strings.Join(conds, " AND "), limit, args...)
}

// GetLastHash implements Repository.
func (r *PostgresRepository) GetLastHash(ctx context.Context) (string, error) {
	logs, err := r.queryLogs(ctx, "", 1)
	if err != nil || len(logs) == 0 {
		return "", err
	}
	return logs[0].Hash(), nil
}

// AnonymizeIPs implements Repository. Truncation happens in Go so both stores
// produce identical addresses.
func (r *PostgresRepository) AnonymizeIPs(ctx context.Context, cutoff time.Time) (n int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_logs", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, ip_address FROM audit_logs
		WHERE created_at < $1 AND ip_anonymized_at IS NULL AND ip_address <> ''`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("select audit IPs: %w", err)
	}
	type pending struct{ id, ip string }
	var batch []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.ip); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan audit IP: %w", err)
		}
		batch = append(batch, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := r.now().UTC()
	for _, p := range batch {
		res, err := r.db.ExecContext(ctx, `
			UPDATE audit_logs SET ip_address = $2, ip_anonymized_at = $3
			WHERE id = $1 AND ip_anonymized_at IS NULL`, p.id, AnonymizeIP(p.ip), now)
		if err != nil {
			return n, fmt.Errorf("anonymize audit IP: %w", err)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	return n, nil
}
