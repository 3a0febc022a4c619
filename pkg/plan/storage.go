package plan

import (
	"context"
	"sort"
	"sync"
)

// Storage persists plan records. Implementations must give each record
// compare-and-swap semantics on its version.
type Storage interface {
	// Create persists a new record at version 1. Fails with ErrDuplicate when the key is taken.
	Create(ctx context.Context, p *Plan) error
	// Get returns the record and its current version. Fails with ErrNotFound.
	Get(ctx context.Context, key Key) (*Plan, int64, error)
	// Update replaces the record when its version still equals expected and bumps the
	// version. Fails with ErrConflict otherwise.
	Update(ctx context.Context, p *Plan, expected int64) error
}

// Lister is implemented by storages that can enumerate an owner's plans.
// Plans come back in ascending uint64 id order; a limit <= 0 means no limit.
type Lister interface {
	ListByOwner(ctx context.Context, owner Identity, limit int) ([]*Plan, error)
}

type memoryRecord struct {
	plan    *Plan
	version int64
}

// MemoryStorage implements Storage in memory.
// Thread-safe via RWMutex; records are copied on the way in and out.
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[Key]*memoryRecord
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: make(map[Key]*memoryRecord),
	}
}

func (s *MemoryStorage) Create(ctx context.Context, p *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := p.Key()
	if _, ok := s.records[key]; ok {
		return ErrDuplicate
	}
	s.records[key] = &memoryRecord{plan: p.Clone(), version: 1}
	return nil
}

func (s *MemoryStorage) Get(ctx context.Context, key Key) (*Plan, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return r.plan.Clone(), r.version, nil
}

func (s *MemoryStorage) Update(ctx context.Context, p *Plan, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[p.Key()]
	if !ok {
		return ErrNotFound
	}
	if r.version != expected {
		return ErrConflict
	}
	r.plan = p.Clone()
	r.version++
	return nil
}

// ListByOwner returns up to limit of the owner's plans ordered by id.
func (s *MemoryStorage) ListByOwner(ctx context.Context, owner Identity, limit int) ([]*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var plans []*Plan
	for key, r := range s.records {
		if key.Owner == owner {
			plans = append(plans, r.plan.Clone())
		}
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	if limit > 0 && len(plans) > limit {
		plans = plans[:limit]
	}
	return plans, nil
}
