package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"avs/internal/pkg/errors"
)

// Store persists jobs. Implementations must apply updates atomically with
// Apply and return snapshot copies from reads.
type Store interface {
	Create(ctx context.Context, j Job) error
	Get(ctx context.Context, id string) (Job, error)
	// Update applies u and returns the resulting snapshot. A terminal job
	// yields ErrTerminal and its unchanged snapshot.
	Update(ctx context.Context, id string, u Update) (Job, error)
	List(ctx context.Context, f ListFilter) ([]Job, error)
}

// ListFilter narrows List results. Zero values mean no filter.
type ListFilter struct {
	Status Status
	Limit  int
}

// Default and maximum page sizes for List.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// NormalizedLimit returns a limit within bounds.
func (f ListFilter) NormalizedLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		return MaxListLimit
	}
	return f.Limit
}

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, j Job) error {
	if j.ID == "" {
		return errors.Validation("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return errors.AlreadyExists("job", j.ID)
	}
	c := j.Clone()
	s.jobs[j.ID] = &c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, errors.NotFound("job", id)
	}
	return j.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, u Update) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, errors.NotFound("job", id)
	}
	// Apply works on a copy so a rejected update leaves no partial state.
	next := j.Clone()
	if err := Apply(&next, u, s.now()); err != nil {
		return j.Clone(), err
	}
	*j = next
	return next.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]Job, error) {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, j.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if limit := f.NormalizedLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
