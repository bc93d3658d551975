// Package memory provides an in-memory StatusStore for development and tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/browser-fetch-engine/internal/store"
)

// StatusStore keeps task statuses in a map.
type StatusStore struct {
	mu       sync.RWMutex
	statuses map[string]store.TaskStatus
}

// NewStatusStore constructs a StatusStore.
func NewStatusStore() *StatusStore {
	return &StatusStore{statuses: make(map[string]store.TaskStatus)}
}

// Put inserts or replaces the status for its id. CreatedAt of the first
// write is preserved.
func (s *StatusStore) Put(_ context.Context, status store.TaskStatus) error {
	if status.ID == "" {
		return errors.New("status id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.statuses[status.ID]; ok && !prev.CreatedAt.IsZero() {
		status.CreatedAt = prev.CreatedAt
	}
	s.statuses[status.ID] = status
	return nil
}

// Get fetches a status by id.
func (s *StatusStore) Get(_ context.Context, id string) (store.TaskStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[id]
	if !ok {
		return store.TaskStatus{}, store.ErrNotFound
	}
	return status, nil
}

// Len is the number of stored statuses.
func (s *StatusStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.statuses)
}
