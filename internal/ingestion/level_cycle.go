package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/levels"
	"market-structure-lab/internal/observability"
	"market-structure-lab/internal/storage"
)

// LevelCycle polls one order-book side and folds it into the persisted
// level store: fetch snapshot, reconcile, save, then notify sinks.
type LevelCycle struct {
	key        domain.BookKey
	source     SnapshotSource
	store      storage.LevelStateStore
	tracker    levels.Config
	depthLimit int
	clock      Clock
	locker     storage.Locker
	lockTTL    time.Duration
	sink       storage.HistorySink
	metrics    *observability.Metrics
	logger     logrus.FieldLogger
}

// LevelCycleOptions contains configuration for creating a LevelCycle.
type LevelCycleOptions struct {
	Key        domain.BookKey
	Source     SnapshotSource
	Store      storage.LevelStateStore
	Tracker    levels.Config // Side is taken from Key
	DepthLimit int           // Default: 5000 levels per side
	Clock      Clock         // Default: SystemClock
	Locker     storage.Locker
	LockTTL    time.Duration // Default: 5m
	Sink       storage.HistorySink
	Metrics    *observability.Metrics
	Logger     logrus.FieldLogger
}

// NewLevelCycle creates a level cycle for one book side.
func NewLevelCycle(opts LevelCycleOptions) (*LevelCycle, error) {
	if opts.Source == nil {
		return nil, errors.New("snapshot source is required")
	}
	if opts.Store == nil {
		return nil, errors.New("level state store is required")
	}
	if opts.Key.Symbol == "" {
		return nil, errors.New("book symbol is required")
	}

	tracker := opts.Tracker
	tracker.Side = opts.Key.Side
	if tracker.Tiering == (levels.Tiering{}) {
		tracker.Tiering = levels.DefaultTiering()
	}
	if err := tracker.Validate(); err != nil {
		return nil, fmt.Errorf("level config: %w", err)
	}

	depthLimit := opts.DepthLimit
	if depthLimit == 0 {
		depthLimit = 5000
	}

	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	lockTTL := opts.LockTTL
	if lockTTL == 0 {
		lockTTL = 5 * time.Minute
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &LevelCycle{
		key:        opts.Key,
		source:     opts.Source,
		store:      opts.Store,
		tracker:    tracker,
		depthLimit: depthLimit,
		clock:      clock,
		locker:     opts.Locker,
		lockTTL:    lockTTL,
		sink:       opts.Sink,
		metrics:    opts.Metrics,
		logger:     logger,
	}, nil
}

// Key returns the book side this cycle tracks.
func (l *LevelCycle) Key() domain.BookKey {
	return l.key
}

// LevelResult contains statistics from one level cycle.
type LevelResult struct {
	RunID        string
	SnapshotTime int64
	Stats        levels.Stats
	Summary      levels.BookSummary
	SinkErrors   int
	Duration     time.Duration
}

// Run performs one cycle. Nothing is persisted when the snapshot cannot be
// fetched or the prior state cannot be loaded.
func (l *LevelCycle) Run(ctx context.Context) (*LevelResult, error) {
	start := time.Now()
	result := &LevelResult{RunID: uuid.NewString()}
	log := l.logger.WithFields(logrus.Fields{
		"book":   l.key.String(),
		"run_id": result.RunID,
	})

	err := l.runLocked(ctx, log, result)
	result.Duration = time.Since(start)
	l.metrics.RecordCycle(observability.PipelineLevels, err, result.Duration)
	if err != nil {
		return result, err
	}

	log.WithFields(logrus.Fields{
		"levels":   result.Stats.Tracked,
		"new":      result.Stats.New,
		"evicted":  result.Stats.Evicted,
		"duration": result.Duration,
	}).Info("levels cycle complete")
	return result, nil
}

func (l *LevelCycle) runLocked(ctx context.Context, log logrus.FieldLogger, result *LevelResult) error {
	if l.locker != nil {
		unlock, err := l.locker.Acquire(ctx, "levels:"+l.key.String(), l.lockTTL)
		if err != nil {
			return fmt.Errorf("lock %s: %w", l.key, err)
		}
		defer unlock()
	}
	return l.run(ctx, log, result)
}

func (l *LevelCycle) run(ctx context.Context, log logrus.FieldLogger, result *LevelResult) error {
	prior, err := l.load(ctx)
	if err != nil {
		return err
	}

	snap, err := l.fetch(ctx)
	if err != nil {
		return err
	}

	snapshotTime := snap.Time
	if snapshotTime == 0 {
		snapshotTime = l.clock.Now().UnixMilli()
	}
	result.Summary = levels.Summarize(snap)
	l.metrics.RecordBook(l.key.Symbol, result.Summary.BidQuantity, result.Summary.AskQuantity, result.Summary.Imbalance)

	ladder := snap.Levels(l.key.Side)
	state := &domain.LevelState{
		SnapshotTime: prior.SnapshotTime,
		Levels:       prior.Levels.Clone(),
		UpdatedAt:    l.clock.Now().UTC(),
	}
	if len(ladder) == 0 {
		log.Warn("empty order-book side, keeping prior levels")
		result.Stats.Tracked = len(state.Levels)
	} else {
		store, stats := levels.Reconcile(snapshotTime, ladder, prior.Levels, l.tracker)
		state.SnapshotTime = snapshotTime
		state.Levels = store
		result.Stats = stats
	}
	result.SnapshotTime = state.SnapshotTime

	t := time.Now()
	err = l.store.Save(ctx, l.key, state)
	l.metrics.RecordStoreOp("levels_save", time.Since(t), err)
	if err != nil {
		return fmt.Errorf("save levels %s: %w", l.key, err)
	}

	l.metrics.RecordLevels(l.key.String(), result.Stats.Tracked, result.Stats.Evicted)
	for _, lvl := range state.Levels {
		if lvl.NowAsk != nil && *lvl.NowAsk == snapshotTime && lvl.LifeTime != nil {
			l.metrics.ObserveLifetime(l.key.String(), lvl.Tier.String(), *lvl.LifeTime)
		}
	}

	if l.sink != nil {
		if err := l.sink.RecordLevels(ctx, l.key, result.RunID, state); err != nil {
			result.SinkErrors++
			l.metrics.RecordSinkError(observability.PipelineLevels)
			log.WithError(err).Warn("history sink failed")
		}
	}
	return nil
}

// load returns an empty state when the book has no saved state.
func (l *LevelCycle) load(ctx context.Context) (*domain.LevelState, error) {
	t := time.Now()
	state, err := l.store.Load(ctx, l.key)
	if errors.Is(err, storage.ErrNotFound) {
		l.metrics.RecordStoreOp("levels_load", time.Since(t), nil)
		return &domain.LevelState{Levels: domain.LevelStore{}}, nil
	}
	l.metrics.RecordStoreOp("levels_load", time.Since(t), err)
	if err != nil {
		return nil, fmt.Errorf("load levels %s: %w", l.key, err)
	}
	if state.Levels == nil {
		state.Levels = domain.LevelStore{}
	}
	return state, nil
}

func (l *LevelCycle) fetch(ctx context.Context) (*domain.OrderBookSnapshot, error) {
	t := time.Now()
	snap, err := l.source.FetchSnapshot(ctx, l.key.Symbol, l.depthLimit)
	l.metrics.RecordSourceCall(sourceName(err, "snapshot"), "depth", time.Since(t), err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, ErrSourceUnavailable) {
			err = NewSourceError("snapshot", "depth", err)
		}
		return nil, fmt.Errorf("fetch snapshot %s: %w", l.key, err)
	}
	if snap == nil {
		return nil, fmt.Errorf("fetch snapshot %s: %w", l.key, NewSourceError("snapshot", "depth", errors.New("nil snapshot")))
	}
	return snap, nil
}
