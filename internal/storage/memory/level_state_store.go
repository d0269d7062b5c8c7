package memory

import (
	"context"
	"sync"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/storage"
)

// LevelStateStore is an in-memory implementation of storage.LevelStateStore.
type LevelStateStore struct {
	mu   sync.RWMutex
	data map[domain.BookKey]*domain.LevelState
}

// NewLevelStateStore creates a new in-memory level state store.
func NewLevelStateStore() *LevelStateStore {
	return &LevelStateStore{
		data: make(map[domain.BookKey]*domain.LevelState),
	}
}

// Compile-time interface check.
var _ storage.LevelStateStore = (*LevelStateStore)(nil)

// Load returns a copy of the level state. Returns ErrNotFound if none was saved.
func (s *LevelStateStore) Load(_ context.Context, key domain.BookKey) (*domain.LevelState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.data[key]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return state.Clone(), nil
}

// Save replaces the level state with a copy of state.
func (s *LevelStateStore) Save(_ context.Context, key domain.BookKey, state *domain.LevelState) error {
	if state == nil || key.Symbol == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = state.Clone()
	return nil
}
