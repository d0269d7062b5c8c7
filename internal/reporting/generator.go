package reporting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/storage"
)

// Generator produces reports from stored state.
type Generator struct {
	extrema storage.ExtremumStore
	levels  storage.LevelStateStore
	now     func() time.Time // Injectable clock for deterministic output
}

// NewGenerator creates a new report generator. Either store may be nil when
// the corresponding sections are not requested.
func NewGenerator(extrema storage.ExtremumStore, levels storage.LevelStateStore) *Generator {
	return &Generator{
		extrema: extrema,
		levels:  levels,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets a custom clock function for deterministic output.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate loads the state of every stream and book. Trackers that have
// never saved appear as missing sections; any other load error aborts.
func (g *Generator) Generate(ctx context.Context, streams []domain.StreamKey, books []domain.BookKey) (*Report, error) {
	report := &Report{GeneratedAt: g.now()}

	if len(streams) > 0 && g.extrema == nil {
		return nil, errors.New("reporting: extremum store is required for stream sections")
	}
	for _, key := range streams {
		section, err := g.streamSection(ctx, key)
		if err != nil {
			return nil, err
		}
		report.Streams = append(report.Streams, section)
	}

	if len(books) > 0 && g.levels == nil {
		return nil, errors.New("reporting: level store is required for book sections")
	}
	for _, key := range books {
		section, err := g.bookSection(ctx, key)
		if err != nil {
			return nil, err
		}
		report.Books = append(report.Books, section)
	}

	sort.Slice(report.Streams, func(i, j int) bool {
		return report.Streams[i].Key.String() < report.Streams[j].Key.String()
	})
	sort.Slice(report.Books, func(i, j int) bool {
		return report.Books[i].Key.String() < report.Books[j].Key.String()
	})
	return report, nil
}

func (g *Generator) streamSection(ctx context.Context, key domain.StreamKey) (StreamSection, error) {
	cp, err := g.extrema.Load(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return StreamSection{Key: key, Missing: true}, nil
	}
	if err != nil {
		return StreamSection{}, fmt.Errorf("load %s: %w", key, err)
	}

	return StreamSection{
		Key:       key,
		NextStart: cp.NextStart,
		UpdatedAt: cp.UpdatedAt,
		Lookback:  len(cp.Lookback),
		Records:   cp.Stack.Clone(),
	}, nil
}

func (g *Generator) bookSection(ctx context.Context, key domain.BookKey) (BookSection, error) {
	state, err := g.levels.Load(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return BookSection{Key: key, Missing: true}, nil
	}
	if err != nil {
		return BookSection{}, fmt.Errorf("load %s: %w", key, err)
	}

	section := BookSection{
		Key:          key,
		SnapshotTime: state.SnapshotTime,
		UpdatedAt:    state.UpdatedAt,
		Levels:       state.Levels.Sorted(),
	}
	for _, l := range section.Levels {
		if l.Tier >= domain.TierNone && l.Tier <= domain.Tier3 {
			section.TierCounts[l.Tier]++
		}
		if l.LifeTime != nil {
			section.Observed++
		}
	}
	return section, nil
}
