package storage

import (
	"context"
	"time"

	"market-structure-lab/internal/domain"
)

// ExtremumStore persists one extremum checkpoint per stream.
// State is loaded and stored whole: stack, cursor and look-back tail
// commit together or not at all.
type ExtremumStore interface {
	// Load returns the checkpoint for key. Returns ErrNotFound if none was
	// saved and ErrStateCorrupt if the stored bytes cannot be decoded.
	Load(ctx context.Context, key domain.StreamKey) (*domain.ExtremumCheckpoint, error)

	// Save atomically replaces the checkpoint for key.
	Save(ctx context.Context, key domain.StreamKey, cp *domain.ExtremumCheckpoint) error
}

// LevelStateStore persists one level store per book side.
type LevelStateStore interface {
	// Load returns the level state for key. Returns ErrNotFound if none was
	// saved and ErrStateCorrupt if the stored bytes cannot be decoded.
	Load(ctx context.Context, key domain.BookKey) (*domain.LevelState, error)

	// Save atomically replaces the level state for key.
	Save(ctx context.Context, key domain.BookKey, state *domain.LevelState) error
}

// Locker grants exclusive write access to a tracker's state.
type Locker interface {
	// Acquire takes the lock for key. Returns ErrLockHeld if another writer
	// owns it. The returned func releases the lock.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// HistorySink receives committed state after it has been saved.
// Sink failures never roll back the committed state.
type HistorySink interface {
	RecordExtrema(ctx context.Context, key domain.StreamKey, runID string, cp *domain.ExtremumCheckpoint) error
	RecordLevels(ctx context.Context, key domain.BookKey, runID string, state *domain.LevelState) error
}

// Backend bundles the state stores of one storage engine.
type Backend struct {
	Extrema ExtremumStore
	Levels  LevelStateStore
	Locker  Locker // nil when the engine cannot lock across processes
	Close   func() error
}
