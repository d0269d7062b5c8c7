// Package stub provides in-memory market-data sources and a manual clock
// for tests and offline runs.
package stub

import (
	"context"
	"errors"
	"sync"
	"time"

	"market-structure-lab/internal/domain"
)

// BarRequest records one FetchBars call.
type BarRequest struct {
	Symbol   string
	Interval domain.Interval
	Start    int64
	End      int64
}

// BarSource returns fixed in-memory bars.
// Implements ingestion.BarSource interface.
type BarSource struct {
	mu       sync.Mutex
	bars     map[string][]domain.Bar // keyed by symbol
	failures map[int]error           // call index -> error
	requests []BarRequest
}

// NewBarSource creates a bar source serving bars for symbol.
// bars must be ascending by OpenTime.
func NewBarSource(symbol string, bars []domain.Bar) *BarSource {
	s := &BarSource{
		bars:     make(map[string][]domain.Bar),
		failures: make(map[int]error),
	}
	s.Set(symbol, bars)
	return s
}

// Set replaces the bars served for symbol.
func (s *BarSource) Set(symbol string, bars []domain.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]domain.Bar, len(bars))
	copy(cp, bars)
	s.bars[symbol] = cp
}

// FailOn makes the n-th call (0-based, counting all calls so far) return err.
func (s *BarSource) FailOn(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[n] = err
}

// FetchBars returns bars with open time in [start, end].
// Returns copies to prevent mutation.
func (s *BarSource) FetchBars(_ context.Context, symbol string, interval domain.Interval, start, end int64, _ int) ([]domain.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := len(s.requests)
	s.requests = append(s.requests, BarRequest{Symbol: symbol, Interval: interval, Start: start, End: end})
	if err, ok := s.failures[call]; ok {
		return nil, err
	}

	var result []domain.Bar
	for _, b := range s.bars[symbol] {
		if b.OpenTime >= start && b.OpenTime <= end {
			result = append(result, b)
		}
	}
	return result, nil
}

// Requests returns the calls made so far.
func (s *BarSource) Requests() []BarRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BarRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// SnapshotSource returns queued snapshots in order, repeating the last one
// once the queue is drained.
// Implements ingestion.SnapshotSource interface.
type SnapshotSource struct {
	mu        sync.Mutex
	snapshots []*domain.OrderBookSnapshot
	next      int
	err       error
}

// NewSnapshotSource creates a snapshot source.
func NewSnapshotSource(snapshots ...*domain.OrderBookSnapshot) *SnapshotSource {
	return &SnapshotSource{snapshots: snapshots}
}

// Push appends a snapshot to the queue.
func (s *SnapshotSource) Push(snap *domain.OrderBookSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
}

// FailWith makes every following call return err. nil clears it.
func (s *SnapshotSource) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// FetchSnapshot returns the next queued snapshot truncated to limit levels per side.
func (s *SnapshotSource) FetchSnapshot(_ context.Context, symbol string, limit int) (*domain.OrderBookSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	if len(s.snapshots) == 0 {
		return nil, errors.New("no snapshots queued")
	}

	i := s.next
	if i >= len(s.snapshots) {
		i = len(s.snapshots) - 1
	} else {
		s.next++
	}

	src := s.snapshots[i]
	out := &domain.OrderBookSnapshot{
		Symbol:       symbol,
		Time:         src.Time,
		LastUpdateID: src.LastUpdateID,
		Bids:         truncate(src.Bids, limit),
		Asks:         truncate(src.Asks, limit),
	}
	return out, nil
}

func truncate(levels []domain.PriceLevel, limit int) []domain.PriceLevel {
	if limit > 0 && len(levels) > limit {
		levels = levels[:limit]
	}
	out := make([]domain.PriceLevel, len(levels))
	copy(out, levels)
	return out
}

// Clock is a manually advanced clock.
// Implements ingestion.Clock interface.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock set to t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// NewClockMillis creates a clock set to a Unix millisecond timestamp.
func NewClockMillis(ms int64) *Clock {
	return NewClock(time.UnixMilli(ms))
}

// Now returns the current manual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
