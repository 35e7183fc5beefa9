package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository stores audit logs. Query methods return newest first; limit 0
// means no limit.
type Repository interface {
	// LogAccess appends an entry, linking it to the previous one.
	LogAccess(ctx context.Context, entry LogEntry) (*AuditLog, error)
	QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*AuditLog, error)
	QueryByUser(ctx context.Context, userID string, limit int) ([]*AuditLog, error)
	// QueryRange returns entries created in [from, to]. Zero bounds are open.
	QueryRange(ctx context.Context, from, to time.Time, limit int) ([]*AuditLog, error)
	// GetLastHash returns Hash() of the newest entry, or "" when empty.
	GetLastHash(ctx context.Context) (string, error)
	// AnonymizeIPs truncates IP addresses of entries created before cutoff
	// that have not been anonymized yet, returning how many changed.
	AnonymizeIPs(ctx context.Context, cutoff time.Time) (int64, error)
}

// InMemoryRepository is an in-memory Repository for tests and single-node
// development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu   sync.RWMutex
	logs []*AuditLog // oldest first
	now  func() time.Time
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{now: time.Now}
}

// LogAccess implements Repository.
func (r *InMemoryRepository) LogAccess(_ context.Context, entry LogEntry) (*AuditLog, error) {
	if err := validateEntry(&entry); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	log := newLog(entry, r.now())
	if n := len(r.logs); n > 0 {
		log.PreviousHash = r.logs[n-1].Hash()
	}
	r.logs = append(r.logs, log)

	out := *log
	return &out, nil
}

func newLog(entry LogEntry, now time.Time) *AuditLog {
	return &AuditLog{
		ID:             uuid.New().String(),
		UserID:         entry.UserID,
		OrganizationID: entry.OrganizationID,
		EntityType:     entry.EntityType,
		EntityID:       entry.EntityID,
		Action:         entry.Action,
		Outcome:        entry.Outcome,
		// Postgres keeps microseconds; truncating keeps hashes stable across stores.
		CreatedAt: now.UTC().Truncate(time.Microsecond),
		RequestID: entry.RequestID,
		IPAddress: entry.IPAddress,
		UserAgent: entry.UserAgent,
	}
}

func (r *InMemoryRepository) query(limit int, match func(*AuditLog) bool) []*AuditLog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*AuditLog
	for i := len(r.logs) - 1; i >= 0; i-- {
		if !match(r.logs[i]) {
			continue
		}
		out := *r.logs[i]
		results = append(results, &out)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results
}

// QueryByEntity implements Repository.
func (r *InMemoryRepository) QueryByEntity(_ context.Context, entityType, entityID string, limit int) ([]*AuditLog, error) {
	return r.query(limit, func(l *AuditLog) bool {
		return l.EntityType == entityType && l.EntityID == entityID
	}), nil
}

// QueryByUser implements Repository.
func (r *InMemoryRepository) QueryByUser(_ context.Context, userID string, limit int) ([]*AuditLog, error) {
	return r.query(limit, func(l *AuditLog) bool { return l.UserID == userID }), nil
}

// QueryRange implements Repository.
func (r *InMemoryRepository) QueryRange(_ context.Context, from, to time.Time, limit int) ([]*AuditLog, error) {
	return r.query(limit, func(l *AuditLog) bool { return inRange(l.CreatedAt, from, to) }), nil
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}

// GetLastHash implements Repository.
func (r *InMemoryRepository) GetLastHash(context.Context) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.logs) == 0 {
		return "", nil
	}
	return r.logs[len(r.logs)-1].Hash(), nil
}

// AnonymizeIPs implements Repository.
func (r *InMemoryRepository) AnonymizeIPs(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	var n int64
	for _, l := range r.logs {
		if l.IPAnonymizedAt != nil || l.IPAddress == "" || !l.CreatedAt.Before(cutoff) {
			continue
		}
		l.IPAddress = AnonymizeIP(l.IPAddress)
		at := now
		l.IPAnonymizedAt = &at
		n++
	}
	return n, nil
}

// All returns every entry oldest first, for chain verification.
func (r *InMemoryRepository) All() []*AuditLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AuditLog, len(r.logs))
	for i, l := range r.logs {
		c := *l
		out[i] = &c
	}
	return out
}
