package pebble

import (
	"context"
	"fmt"
	"strings"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/storage"
)

// ExtremumStore is a Pebble implementation of storage.ExtremumStore.
type ExtremumStore struct {
	db *DB
}

// NewExtremumStore creates a new Pebble extremum store.
func NewExtremumStore(db *DB) *ExtremumStore {
	return &ExtremumStore{db: db}
}

// Compile-time interface check.
var _ storage.ExtremumStore = (*ExtremumStore)(nil)

// Load returns the current checkpoint.
func (s *ExtremumStore) Load(_ context.Context, key domain.StreamKey) (*domain.ExtremumCheckpoint, error) {
	data, err := s.db.get(streamKey(prefixExtrema, key))
	if err != nil {
		return nil, err
	}
	return storage.DecodeCheckpoint(data)
}

// Previous returns the checkpoint that the latest save replaced.
func (s *ExtremumStore) Previous(_ context.Context, key domain.StreamKey) (*domain.ExtremumCheckpoint, error) {
	data, err := s.db.get(streamKey(prefixExtremaPrev, key))
	if err != nil {
		return nil, err
	}
	return storage.DecodeCheckpoint(data)
}

// Save replaces the checkpoint, keeping the old one as Previous.
func (s *ExtremumStore) Save(_ context.Context, key domain.StreamKey, cp *domain.ExtremumCheckpoint) error {
	if key.Symbol == "" {
		return storage.ErrInvalidInput
	}
	data, err := storage.EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	return s.db.replace(streamKey(prefixExtrema, key), streamKey(prefixExtremaPrev, key), data)
}

// Keys lists every stream with a saved checkpoint.
func (s *ExtremumStore) Keys(_ context.Context) ([]domain.StreamKey, error) {
	raw, err := s.db.scanKeys(prefixExtrema)
	if err != nil {
		return nil, err
	}

	keys := make([]domain.StreamKey, 0, len(raw))
	for _, r := range raw {
		parts := strings.Split(r, "/")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: bad stream key %q", storage.ErrStateCorrupt, r)
		}
		keys = append(keys, domain.StreamKey{Symbol: parts[0], Interval: domain.Interval(parts[1]), Side: domain.Side(parts[2])})
	}
	return keys, nil
}

// LevelStateStore is a Pebble implementation of storage.LevelStateStore.
type LevelStateStore struct {
	db *DB
}

// NewLevelStateStore creates a new Pebble level state store.
func NewLevelStateStore(db *DB) *LevelStateStore {
	return &LevelStateStore{db: db}
}

// Compile-time interface check.
var _ storage.LevelStateStore = (*LevelStateStore)(nil)

// Load returns the current level state.
func (s *LevelStateStore) Load(_ context.Context, key domain.BookKey) (*domain.LevelState, error) {
	data, err := s.db.get(bookKey(prefixLevels, key))
	if err != nil {
		return nil, err
	}
	return storage.DecodeLevelState(data)
}

// Save replaces the level state, keeping the old one as a backup.
func (s *LevelStateStore) Save(_ context.Context, key domain.BookKey, state *domain.LevelState) error {
	if key.Symbol == "" {
		return storage.ErrInvalidInput
	}
	data, err := storage.EncodeLevelState(state)
	if err != nil {
		return err
	}
	return s.db.replace(bookKey(prefixLevels, key), bookKey(prefixLevelsPrev, key), data)
}
