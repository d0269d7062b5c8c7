package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/extremum"
	"market-structure-lab/internal/observability"
	"market-structure-lab/internal/storage"
)

// CheckpointController advances one extremum stream from its persisted
// cursor to the present in bounded windows, committing state after each.
// Invocations for the same stream must not overlap; set Locker when more
// than one process may target the same store.
type CheckpointController struct {
	key        domain.StreamKey
	source     BarSource
	store      storage.ExtremumStore
	tracker    extremum.Config
	windowSpan time.Duration
	epochStart int64
	klineLimit int
	noLookback bool
	clock      Clock
	locker     storage.Locker
	lockTTL    time.Duration
	sink       storage.HistorySink
	metrics    *observability.Metrics
	logger     logrus.FieldLogger
}

// CheckpointOptions contains configuration for creating a CheckpointController.
type CheckpointOptions struct {
	Key        domain.StreamKey
	Source     BarSource
	Store      storage.ExtremumStore
	Tracker    extremum.Config // Side is taken from Key
	WindowSpan time.Duration   // Default: 24h
	EpochStart int64           // cursor for a stream with no saved state (ms); 0 means one WindowSpan before now
	KlineLimit int             // Default: 1000 bars per upstream request
	NoLookback bool            // don't carry trailing bars across windows
	Clock      Clock           // Default: SystemClock
	Locker     storage.Locker  // optional single-writer lock
	LockTTL    time.Duration   // Default: 15m
	Sink       storage.HistorySink
	Metrics    *observability.Metrics
	Logger     logrus.FieldLogger
}

// NewCheckpointController creates a controller for one stream.
func NewCheckpointController(opts CheckpointOptions) (*CheckpointController, error) {
	if opts.Source == nil {
		return nil, errors.New("bar source is required")
	}
	if opts.Store == nil {
		return nil, errors.New("extremum store is required")
	}
	if opts.Key.Symbol == "" {
		return nil, errors.New("stream symbol is required")
	}
	if _, err := opts.Key.Interval.Millis(); err != nil {
		return nil, err
	}

	tracker := opts.Tracker
	tracker.Side = opts.Key.Side
	if err := tracker.Validate(); err != nil {
		return nil, fmt.Errorf("tracker config: %w", err)
	}

	windowSpan := opts.WindowSpan
	if windowSpan == 0 {
		windowSpan = 24 * time.Hour
	}
	if windowSpan < time.Millisecond {
		return nil, fmt.Errorf("window span must be positive, got %v", windowSpan)
	}

	klineLimit := opts.KlineLimit
	if klineLimit == 0 {
		klineLimit = 1000
	}

	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	lockTTL := opts.LockTTL
	if lockTTL == 0 {
		lockTTL = 15 * time.Minute
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &CheckpointController{
		key:        opts.Key,
		source:     opts.Source,
		store:      opts.Store,
		tracker:    tracker,
		windowSpan: windowSpan,
		epochStart: opts.EpochStart,
		klineLimit: klineLimit,
		noLookback: opts.NoLookback,
		clock:      clock,
		locker:     opts.Locker,
		lockTTL:    lockTTL,
		sink:       opts.Sink,
		metrics:    opts.Metrics,
		logger:     logger,
	}, nil
}

// Key returns the stream this controller advances.
func (c *CheckpointController) Key() domain.StreamKey {
	return c.key
}

// RunResult contains statistics from one controller invocation.
type RunResult struct {
	RunID      string
	Fresh      bool // no saved state existed
	Windows    int  // windows committed
	Bars       int
	Pushed     int
	Popped     int
	Kicked     int
	Rejected   int
	SinkErrors int
	NextStart  int64 // persisted cursor after the run
	StackSize  int
	Duration   time.Duration
}

// Run loads the checkpoint, processes every full window between the cursor
// and now, then one final partial window ending at now. Each window is
// committed atomically before the next is fetched. A failure aborts the run;
// windows committed before it stay committed.
func (c *CheckpointController) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{RunID: uuid.NewString()}
	log := c.logger.WithFields(logrus.Fields{
		"stream": c.key.String(),
		"run_id": result.RunID,
	})

	err := c.runLocked(ctx, log, result)
	result.Duration = time.Since(start)
	c.metrics.RecordCycle(observability.PipelineExtrema, err, result.Duration)
	if err != nil {
		return result, err
	}

	log.WithFields(logrus.Fields{
		"windows":  result.Windows,
		"bars":     result.Bars,
		"extrema":  result.StackSize,
		"duration": result.Duration,
	}).Info("extrema run complete")
	return result, nil
}

func (c *CheckpointController) runLocked(ctx context.Context, log logrus.FieldLogger, result *RunResult) error {
	if c.locker != nil {
		unlock, err := c.locker.Acquire(ctx, "extrema:"+c.key.String(), c.lockTTL)
		if err != nil {
			return fmt.Errorf("lock %s: %w", c.key, err)
		}
		defer unlock()
	}
	return c.run(ctx, log, result)
}

func (c *CheckpointController) run(ctx context.Context, log logrus.FieldLogger, result *RunResult) error {
	barMs, err := c.key.Interval.Millis()
	if err != nil {
		return err
	}
	spanMs := c.windowSpan.Milliseconds()
	now := c.clock.Now().UnixMilli()

	cp, err := c.load(ctx)
	if err != nil {
		return err
	}
	if cp == nil {
		result.Fresh = true
		cp = &domain.ExtremumCheckpoint{
			NextStart: c.initialCursor(now),
			Stack:     domain.ExtremumStack{},
		}
		log.WithField("window_start", cp.NextStart).Info("no saved state, starting from epoch")
	}

	if cp.NextStart > now {
		log.WithField("next_start", cp.NextStart).Warn("cursor is in the future, nothing to do")
		result.NextStart = cp.NextStart
		result.StackSize = len(cp.Stack)
		return nil
	}

	for now > cp.NextStart+spanMs {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := cp.NextStart + spanMs
		cp, err = c.window(ctx, log, cp, cp.NextStart, end-1, end, result)
		if err != nil {
			return err
		}
	}

	// The final window ends at now and rewinds the cursor by one bar so the
	// still-forming bar is fetched again on the next run.
	cp, err = c.window(ctx, log, cp, cp.NextStart, now, now-barMs, result)
	if err != nil {
		return err
	}

	result.NextStart = cp.NextStart
	result.StackSize = len(cp.Stack)
	return nil
}

func (c *CheckpointController) initialCursor(now int64) int64 {
	if c.epochStart > 0 {
		return c.epochStart
	}
	return now - c.windowSpan.Milliseconds()
}

// load returns nil when the stream has no saved state.
func (c *CheckpointController) load(ctx context.Context) (*domain.ExtremumCheckpoint, error) {
	t := time.Now()
	cp, err := c.store.Load(ctx, c.key)
	if errors.Is(err, storage.ErrNotFound) {
		c.metrics.RecordStoreOp("extrema_load", time.Since(t), nil)
		return nil, nil
	}
	c.metrics.RecordStoreOp("extrema_load", time.Since(t), err)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", c.key, err)
	}
	if cp.Stack == nil {
		cp.Stack = domain.ExtremumStack{}
	}
	return cp, nil
}

// window reconciles bars with open time in [start, fetchEnd] and commits the
// result with cursor next.
func (c *CheckpointController) window(ctx context.Context, log logrus.FieldLogger, cp *domain.ExtremumCheckpoint, start, fetchEnd, next int64, result *RunResult) (*domain.ExtremumCheckpoint, error) {
	bars, err := c.fetch(ctx, start, fetchEnd)
	if err != nil {
		return nil, err
	}

	var carried, history []domain.Bar
	if !c.noLookback {
		carried = before(cp.Lookback, start)
		history = tail(carried, c.tracker.ConfirmWindow)
	}

	stack, stats := extremum.ReconcileWithHistory(history, bars, cp.Stack, c.tracker)
	if stack == nil {
		stack = domain.ExtremumStack{}
	}

	out := &domain.ExtremumCheckpoint{
		NextStart: next,
		Stack:     stack,
		UpdatedAt: c.clock.Now().UTC(),
	}
	if !c.noLookback {
		out.Lookback = c.lookback(carried, bars, next)
	}

	t := time.Now()
	err = c.store.Save(ctx, c.key, out)
	c.metrics.RecordStoreOp("extrema_save", time.Since(t), err)
	if err != nil {
		return nil, fmt.Errorf("save checkpoint %s: %w", c.key, err)
	}

	result.Windows++
	result.Bars += stats.Bars
	result.Pushed += stats.Pushed
	result.Popped += stats.Popped
	result.Kicked += stats.Kicked
	result.Rejected += stats.Rejected
	c.metrics.RecordWindow(c.key.String(), stats.Bars, stats.Pushed, stats.Popped, stats.Kicked, stats.Rejected, len(stack))

	log.WithFields(logrus.Fields{
		"window_start": start,
		"window_end":   fetchEnd,
		"next_start":   next,
		"bars":         stats.Bars,
		"extrema":      len(stack),
	}).Debug("window committed")

	if c.sink != nil {
		if err := c.sink.RecordExtrema(ctx, c.key, result.RunID, out); err != nil {
			result.SinkErrors++
			c.metrics.RecordSinkError(observability.PipelineExtrema)
			log.WithError(err).Warn("history sink failed")
		}
	}

	return out, nil
}

// fetch returns the bars of [start, end], dropping anything the source
// returned outside the range or out of order.
func (c *CheckpointController) fetch(ctx context.Context, start, end int64) ([]domain.Bar, error) {
	t := time.Now()
	bars, err := c.source.FetchBars(ctx, c.key.Symbol, c.key.Interval, start, end, c.klineLimit)
	c.metrics.RecordSourceCall(sourceName(err, "bars"), "klines", time.Since(t), err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, ErrSourceUnavailable) {
			err = NewSourceError("bars", "klines", err)
		}
		return nil, fmt.Errorf("fetch bars %s [%d, %d]: %w", c.key, start, end, err)
	}

	out := make([]domain.Bar, 0, len(bars))
	last := start - 1
	for _, b := range bars {
		if b.OpenTime < start || b.OpenTime > end || b.OpenTime <= last {
			continue
		}
		out = append(out, b)
		last = b.OpenTime
	}
	return out, nil
}

// rewindSlack is how many carried bars may open at or after a rewound
// cursor: at most two bar opens fall in [now-bar, now].
const rewindSlack = 2

// lookback keeps the bars before next that the following window needs for
// confirmation. A rewound cursor can sit before the window start, so the
// tail is cut relative to next and carries rewindSlack spare bars for the
// next rewind.
func (c *CheckpointController) lookback(carried, bars []domain.Bar, next int64) []domain.Bar {
	n := c.tracker.ConfirmWindow
	if n == 0 {
		return nil
	}
	series := make([]domain.Bar, 0, len(carried)+len(bars))
	series = append(series, carried...)
	series = append(series, bars...)
	out := tail(before(series, next), n+rewindSlack)
	if len(out) == 0 {
		return nil
	}
	cp := make([]domain.Bar, len(out))
	copy(cp, out)
	return cp
}

func before(bars []domain.Bar, t int64) []domain.Bar {
	i := len(bars)
	for i > 0 && bars[i-1].OpenTime >= t {
		i--
	}
	return bars[:i]
}

func tail(bars []domain.Bar, n int) []domain.Bar {
	if len(bars) > n {
		return bars[len(bars)-n:]
	}
	return bars
}

func sourceName(err error, fallback string) string {
	var se *SourceError
	if errors.As(err, &se) && se.Source != "" {
		return se.Source
	}
	return fallback
}
