package handles

import (
	"context"
	"sync"
)

// Ensure MemoryStore implements the interface.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.RWMutex
	byHandle map[Handle]Entry
	byPath   map[string]Handle
}

// NewMemoryStore creates a new in-memory handle store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHandle: make(map[Handle]Entry),
		byPath:   make(map[string]Handle),
	}
}

// Put stores an entry, revoking the path's previous handle.
func (s *MemoryStore) Put(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byPath[e.Path]; ok {
		delete(s.byHandle, prev)
	}
	s.byHandle[e.Handle] = e
	s.byPath[e.Path] = e.Handle
	return nil
}

// Get retrieves an entry by handle.
func (s *MemoryStore) Get(_ context.Context, h Handle) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byHandle[h]
	if !ok {
		return Entry{}, ErrUnknownHandle
	}
	return e, nil
}

// GetByPath retrieves the current entry for a path.
func (s *MemoryStore) GetByPath(_ context.Context, path string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byPath[path]
	if !ok {
		return Entry{}, false, nil
	}
	return s.byHandle[h], true, nil
}

// DeleteByPath removes the path's entry, if any.
func (s *MemoryStore) DeleteByPath(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.byPath[path]; ok {
		delete(s.byHandle, h)
		delete(s.byPath, path)
	}
	return nil
}

// Len returns the number of live handles (for testing)
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byHandle)
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
