package cursor

import (
	"context"
	"sync"
)

// MemoryStore keeps cursors in a map. Positions do not survive restarts;
// it exists for tests and throwaway runs.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]int64
}

// NewMemoryStore creates an empty in-memory cursor store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]int64)}
}

func (s *MemoryStore) Load(_ context.Context, name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[name], nil
}

func (s *MemoryStore) Save(_ context.Context, name string, position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[name] = position
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
