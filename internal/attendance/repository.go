package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UpsertResult reports what an upsert did.
type UpsertResult struct {
	Inserted bool   // True if a new record was created
	ID       string // ID of the written record
	Version  int    // Version after the write
}

// Repository stores attendance records.
type Repository interface {
	// Upsert writes rec into its Key slot, overwriting any existing record
	// (last write wins). rec.ID, Version, CreatedAt and UpdatedAt are set from
	// the stored row.
	Upsert(ctx context.Context, rec *Record) (*UpsertResult, error)

	// Get returns the record in a slot, or ErrRecordNotFound.
	Get(ctx context.Context, key Key) (*Record, error)

	// ListByTourDate returns every record of a tour on a date ordered by user
	// then checkpoint.
	ListByTourDate(ctx context.Context, tourID, date string) ([]*Record, error)
}

// CheckpointRepository stores checkpoints.
type CheckpointRepository interface {
	CreateCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, tourID string) ([]*Checkpoint, error)
}

// InMemoryRepository implements Repository and CheckpointRepository in memory.
// Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu          sync.RWMutex
	records     map[string]*Record // slot key -> record
	checkpoints map[string]*Checkpoint
	now         func() time.Time
}

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		records:     make(map[string]*Record),
		checkpoints: make(map[string]*Checkpoint),
		now:         time.Now,
	}
}

// slotKey joins the key parts with a null byte so IDs containing any
// printable separator cannot collide.
func slotKey(k Key) string {
	return k.UserID + "\x00" + k.TourID + "\x00" + k.Date + "\x00" + k.CheckpointID
}

// Upsert implements Repository.
func (r *InMemoryRepository) Upsert(_ context.Context, rec *Record) (*UpsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	key := slotKey(rec.Key())

	if existing, ok := r.records[key]; ok {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		rec.Version = existing.Version + 1
		rec.UpdatedAt = now

		stored := *rec
		r.records[key] = &stored
		return &UpsertResult{Inserted: false, ID: rec.ID, Version: rec.Version}, nil
	}

	rec.ID = uuid.New().String()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	stored := *rec
	r.records[key] = &stored
	return &UpsertResult{Inserted: true, ID: rec.ID, Version: 1}, nil
}

// Get implements Repository.
func (r *InMemoryRepository) Get(_ context.Context, key Key) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[slotKey(key)]
	if !ok {
		return nil, ErrRecordNotFound
	}
	out := *rec
	return &out, nil
}

// ListByTourDate implements Repository.
func (r *InMemoryRepository) ListByTourDate(_ context.Context, tourID, date string) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Record
	for _, rec := range r.records {
		if rec.TourID == tourID && rec.Date == date {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].CheckpointID < out[j].CheckpointID
	})
	return out, nil
}

// CreateCheckpoint implements CheckpointRepository. An empty ID is generated.
func (r *InMemoryRepository) CreateCheckpoint(_ context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	cp.CreatedAt = r.now().UTC()

	stored := *cp
	r.checkpoints[cp.ID] = &stored
	return nil
}

// GetCheckpoint implements CheckpointRepository.
func (r *InMemoryRepository) GetCheckpoint(_ context.Context, id string) (*Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cp, ok := r.checkpoints[id]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	out := *cp
	return &out, nil
}

// ListCheckpoints implements CheckpointRepository, oldest first.
func (r *InMemoryRepository) ListCheckpoints(_ context.Context, tourID string) ([]*Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Checkpoint
	for _, cp := range r.checkpoints {
		if cp.TourID == tourID {
			c := *cp
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
