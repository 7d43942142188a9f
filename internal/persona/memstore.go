package persona

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// It backs the command when no database is configured, and tests.
// The zero value is ready to use.
type MemStore struct {
	mu       sync.RWMutex
	personas map[string]Descriptor
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{personas: make(map[string]Descriptor)}
}

// Get implements [Store.Get].
func (s *MemStore) Get(_ context.Context, id string) (*Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.personas[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(d), nil
}

// Put implements [Store.Put].
func (s *MemStore) Put(_ context.Context, d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.personas == nil {
		s.personas = make(map[string]Descriptor)
	}
	now := time.Now().UTC()
	if prev, ok := s.personas[d.ID]; ok {
		d.CreatedAt = prev.CreatedAt
	} else {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	s.personas[d.ID] = *clone(*d)
	return nil
}

// Delete implements [Store.Delete].
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.personas, id)
	return nil
}

// List implements [Store.List].
func (s *MemStore) List(_ context.Context) ([]Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Descriptor, 0, len(s.personas))
	for _, d := range s.personas {
		out = append(out, *clone(d))
	}
	slices.SortFunc(out, func(a, b Descriptor) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// clone returns a deep copy so callers cannot mutate stored slices.
func clone(d Descriptor) *Descriptor {
	d.Motivations = slices.Clone(d.Motivations)
	d.Frustrations = slices.Clone(d.Frustrations)
	d.Brands = slices.Clone(d.Brands)
	return &d
}
