package interactions

import (
	"context"
	"slices"
	"sync"
)

const defaultMemoryCapacity = 1000

// MemoryStore keeps the most recent interactions in memory. Older entries
// are dropped once capacity is reached.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	items    []Interaction
}

// NewMemoryStore creates a MemoryStore. A non-positive capacity uses 1000.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryStore{capacity: capacity}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, in Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, in)
	if over := len(s.items) - s.capacity; over > 0 {
		s.items = slices.Delete(s.items, 0, over)
	}
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, limit, offset int) (*ListResponse, error) {
	limit, offset = clampPage(limit, offset)

	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.items)
	out := make([]Interaction, 0, limit)
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.items[i])
	}
	return &ListResponse{
		Interactions: out,
		Total:        total,
		HasMore:      offset+len(out) < total,
	}, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
