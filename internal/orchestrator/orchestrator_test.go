package orchestrator

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-structure-lab/internal/config"
	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/ingestion"
	"market-structure-lab/internal/ingestion/stub"
	"market-structure-lab/internal/storage"
	"market-structure-lab/internal/storage/memory"
)

const (
	t0       = int64(60_000_000)
	minuteMs = int64(60_000)
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Storage.Backend = config.BackendMemory
	cfg.Market.Symbols = []string{"BTCUSDT"}
	cfg.Extrema.EpochStart = t0
	cfg.Extrema.ConfirmWindow = 1
	cfg.Levels.Sides = []string{"ask", "bid"}
	return &cfg
}

func testBars() []domain.Bar {
	highs := []float64{10, 12, 11, 9, 13, 8}
	bars := make([]domain.Bar, len(highs))
	for i, h := range highs {
		bars[i] = domain.Bar{OpenTime: t0 + int64(i)*minuteMs, HighPrice: h, LowPrice: h - 1}
	}
	return bars
}

func TestOrchestrator_RunsAllTrackers(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	backend, err := OpenBackend(ctx, cfg)
	require.NoError(t, err)
	defer backend.Close()

	sink := memory.NewHistorySink()
	clock := stub.NewClockMillis(t0 + 10*minuteMs)
	snaps := stub.NewSnapshotSource(&domain.OrderBookSnapshot{
		Symbol: "BTCUSDT",
		Time:   t0 + 10*minuteMs,
		Bids:   []domain.PriceLevel{{Price: 99, Quantity: 60}},
		Asks:   []domain.PriceLevel{{Price: 100, Quantity: 120}, {Price: 101, Quantity: 5}},
	})

	orch, err := New(Options{
		Config:    cfg,
		Mode:      ModeAll,
		Backend:   backend,
		Bars:      stub.NewBarSource("BTCUSDT", testBars()),
		Snapshots: snaps,
		Sink:      sink,
		Clock:     clock,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)

	jobs := orch.Jobs()
	require.Len(t, jobs, 4)
	assert.Equal(t, "extrema:BTCUSDT/1m/high", jobs[0].Name)
	assert.Equal(t, "extrema:BTCUSDT/1m/low", jobs[1].Name)
	assert.Equal(t, "levels:BTCUSDT/ask", jobs[2].Name)
	assert.Equal(t, "levels:BTCUSDT/bid", jobs[3].Name)

	sched := ingestion.NewScheduler(ingestion.SchedulerOptions{Logger: quietLogger()})
	require.NoError(t, sched.RunOnce(ctx, jobs))

	high, err := backend.Extrema.Load(ctx, domain.StreamKey{Symbol: "BTCUSDT", Interval: "1m", Side: domain.SideHigh})
	require.NoError(t, err)
	assert.NotEmpty(t, high.Stack)
	assert.Equal(t, t0+9*minuteMs, high.NextStart)

	ask, err := backend.Levels.Load(ctx, domain.BookKey{Symbol: "BTCUSDT", Side: domain.BookSideAsk})
	require.NoError(t, err)
	assert.Len(t, ask.Levels, 2)

	bid, err := backend.Levels.Load(ctx, domain.BookKey{Symbol: "BTCUSDT", Side: domain.BookSideBid})
	require.NoError(t, err)
	assert.Len(t, bid.Levels, 1)

	assert.NotEmpty(t, sink.Extrema())
	assert.Len(t, sink.Levels(), 2)
}

func TestOrchestrator_ModeSelectsTrackers(t *testing.T) {
	cfg := testConfig()
	backend, err := OpenBackend(context.Background(), cfg)
	require.NoError(t, err)

	orch, err := New(Options{Config: cfg, Mode: ModeLevels, Backend: backend, Snapshots: stub.NewSnapshotSource()})
	require.NoError(t, err)
	assert.Len(t, orch.Jobs(), 2)

	_, err = New(Options{Config: cfg, Mode: ModeExtrema, Backend: backend})
	assert.Error(t, err, "extrema mode needs a bar source")

	_, err = New(Options{Config: cfg, Mode: "daemon", Backend: backend})
	assert.Error(t, err)
}

func TestOpenBackend_File(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Storage.Backend = config.BackendFile
	cfg.Storage.Dir = t.TempDir()

	backend, err := OpenBackend(ctx, cfg)
	require.NoError(t, err)
	defer backend.Close()
	require.NotNil(t, backend.Locker)

	key := domain.StreamKey{Symbol: "ETHUSDT", Interval: "1m", Side: domain.SideLow}
	_, err = backend.Extrema.Load(ctx, key)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	cp := &domain.ExtremumCheckpoint{NextStart: t0, Stack: domain.ExtremumStack{{OpenTime: t0 - minuteMs, Price: 5, KickCount: 1}}}
	require.NoError(t, backend.Extrema.Save(ctx, key, cp))

	got, err := backend.Extrema.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, cp.Stack, got.Stack)
}

func TestOpenBackend_Pebble(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Backend = config.BackendPebble
	cfg.Storage.PebblePath = t.TempDir()

	backend, err := OpenBackend(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, backend.Locker)
	require.NoError(t, backend.Close())
}

func TestOpenBackend_Unknown(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Backend = "sqlite"
	_, err := OpenBackend(context.Background(), cfg)
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))
}

func TestOpenSinks_NoneConfigured(t *testing.T) {
	sinks, err := OpenSinks(context.Background(), testConfig(), quietLogger())
	require.NoError(t, err)
	assert.Nil(t, sinks.Sink)
	assert.NoError(t, sinks.Close())
}
