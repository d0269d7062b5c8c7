package ingestion

import (
	"context"
	"time"

	"market-structure-lab/internal/domain"
)

// BarSource provides candles for a symbol and interval.
type BarSource interface {
	// FetchBars returns bars with open time in [start, end] (ms, inclusive),
	// ascending by OpenTime. An empty range returns no bars and no error.
	// limit is the maximum page size per upstream request.
	FetchBars(ctx context.Context, symbol string, interval domain.Interval, start, end int64, limit int) ([]domain.Bar, error)
}

// SnapshotSource provides order-book snapshots.
type SnapshotSource interface {
	// FetchSnapshot returns up to limit levels per side.
	// Asks are ascending by price, bids descending.
	FetchSnapshot(ctx context.Context, symbol string, limit int) (*domain.OrderBookSnapshot, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }
