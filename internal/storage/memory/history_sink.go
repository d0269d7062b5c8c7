package memory

import (
	"context"
	"sync"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/storage"
)

// ExtremaEntry is one recorded extremum checkpoint.
type ExtremaEntry struct {
	Key        domain.StreamKey
	RunID      string
	Checkpoint *domain.ExtremumCheckpoint
}

// LevelsEntry is one recorded level state.
type LevelsEntry struct {
	Key   domain.BookKey
	RunID string
	State *domain.LevelState
}

// HistorySink records every committed state in memory. Useful in tests and
// as the default sink when no external history store is configured.
type HistorySink struct {
	mu      sync.Mutex
	extrema []ExtremaEntry
	levels  []LevelsEntry
	err     error
}

// NewHistorySink creates a new in-memory history sink.
func NewHistorySink() *HistorySink {
	return &HistorySink{}
}

// Compile-time interface check.
var _ storage.HistorySink = (*HistorySink)(nil)

// FailWith makes every subsequent call return err (nil clears it).
func (s *HistorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// RecordExtrema stores a copy of cp.
func (s *HistorySink) RecordExtrema(_ context.Context, key domain.StreamKey, runID string, cp *domain.ExtremumCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.extrema = append(s.extrema, ExtremaEntry{Key: key, RunID: runID, Checkpoint: cp.Clone()})
	return nil
}

// RecordLevels stores a copy of state.
func (s *HistorySink) RecordLevels(_ context.Context, key domain.BookKey, runID string, state *domain.LevelState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.levels = append(s.levels, LevelsEntry{Key: key, RunID: runID, State: state.Clone()})
	return nil
}

// Extrema returns all recorded checkpoints in order.
func (s *HistorySink) Extrema() []ExtremaEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ExtremaEntry(nil), s.extrema...)
}

// Levels returns all recorded level states in order.
func (s *HistorySink) Levels() []LevelsEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LevelsEntry(nil), s.levels...)
}
