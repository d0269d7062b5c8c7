package memory

import (
	"context"
	"sync"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/storage"
)

// ExtremumStore is an in-memory implementation of storage.ExtremumStore.
type ExtremumStore struct {
	mu   sync.RWMutex
	data map[domain.StreamKey]*domain.ExtremumCheckpoint
}

// NewExtremumStore creates a new in-memory extremum store.
func NewExtremumStore() *ExtremumStore {
	return &ExtremumStore{
		data: make(map[domain.StreamKey]*domain.ExtremumCheckpoint),
	}
}

// Compile-time interface check.
var _ storage.ExtremumStore = (*ExtremumStore)(nil)

// Load returns a copy of the checkpoint. Returns ErrNotFound if none was saved.
func (s *ExtremumStore) Load(_ context.Context, key domain.StreamKey) (*domain.ExtremumCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, exists := s.data[key]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return cp.Clone(), nil
}

// Save replaces the checkpoint with a copy of cp.
func (s *ExtremumStore) Save(_ context.Context, key domain.StreamKey, cp *domain.ExtremumCheckpoint) error {
	if cp == nil || key.Symbol == "" {
		return storage.ErrInvalidInput
	}
	if err := cp.Stack.Validate(); err != nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = cp.Clone()
	return nil
}

// Keys returns every stream with a saved checkpoint.
func (s *ExtremumStore) Keys() []domain.StreamKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]domain.StreamKey, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}
