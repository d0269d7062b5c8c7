// Package reporting renders persisted tracker state as CSV and Markdown.
package reporting

import (
	"time"

	"market-structure-lab/internal/domain"
)

// Report represents the state of every requested tracker.
type Report struct {
	// Metadata
	GeneratedAt time.Time

	// Extremum streams, sorted by key
	Streams []StreamSection

	// Level trackers, sorted by key
	Books []BookSection
}

// StreamSection is the persisted checkpoint of one extremum stream.
type StreamSection struct {
	Key       domain.StreamKey
	Missing   bool  // no state has been saved yet
	NextStart int64 // Unix ms
	UpdatedAt time.Time
	Lookback  int // look-back bars carried in the checkpoint
	Records   []domain.ExtremumRecord
}

// BookSection is the persisted level store of one book side.
type BookSection struct {
	Key          domain.BookKey
	Missing      bool
	SnapshotTime int64 // Unix ms
	UpdatedAt    time.Time
	Levels       []domain.OrderBookLevel // ascending by price
	TierCounts   [4]int                  // indexed by domain.Tier
	Observed     int                     // levels seen again at least once
}
