package storage

import (
	"context"
	"errors"

	"market-structure-lab/internal/domain"
)

// MultiSink fans committed state out to several sinks. Every sink is called
// even when an earlier one fails; the errors are joined.
type MultiSink []HistorySink

// Compile-time interface check.
var _ HistorySink = MultiSink(nil)

// RecordExtrema forwards to every sink.
func (m MultiSink) RecordExtrema(ctx context.Context, key domain.StreamKey, runID string, cp *domain.ExtremumCheckpoint) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordExtrema(ctx, key, runID, cp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordLevels forwards to every sink.
func (m MultiSink) RecordLevels(ctx context.Context, key domain.BookKey, runID string, state *domain.LevelState) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordLevels(ctx, key, runID, state); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
