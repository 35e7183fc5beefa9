package incident

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository stores incidents.
type Repository interface {
	// Create stores inc, setting ID (when empty) and CreatedAt.
	Create(ctx context.Context, inc *Incident) error

	// Get returns an incident by ID, or ErrIncidentNotFound.
	Get(ctx context.Context, id string) (*Incident, error)

	// ListByTour returns a tour's incidents, newest first. limit <= 0 means no limit.
	ListByTour(ctx context.Context, tourID string, limit int) ([]*Incident, error)
}

// InMemoryRepository implements Repository in memory.
// Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu        sync.RWMutex
	incidents map[string]*Incident
	order     []string // insertion order
	now       func() time.Time
}

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		incidents: make(map[string]*Incident),
		now:       time.Now,
	}
}

// Create implements Repository.
func (r *InMemoryRepository) Create(_ context.Context, inc *Incident) error {
	if err := inc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if inc.ID == "" {
		inc.ID = uuid.New().String()
	}
	inc.CreatedAt = r.now().UTC()

	stored := *inc
	r.incidents[inc.ID] = &stored
	r.order = append(r.order, inc.ID)
	return nil
}

// Get implements Repository.
func (r *InMemoryRepository) Get(_ context.Context, id string) (*Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inc, ok := r.incidents[id]
	if !ok {
		return nil, ErrIncidentNotFound
	}
	out := *inc
	return &out, nil
}

// ListByTour implements Repository.
func (r *InMemoryRepository) ListByTour(_ context.Context, tourID string, limit int) ([]*Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Incident
	for i := len(r.order) - 1; i >= 0; i-- {
		inc := r.incidents[r.order[i]]
		if inc.TourID != tourID {
			continue
		}
		c := *inc
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
