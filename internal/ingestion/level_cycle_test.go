package ingestion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/ingestion/stub"
	"market-structure-lab/internal/levels"
	"market-structure-lab/internal/storage"
	"market-structure-lab/internal/storage/memory"
)

var askBook = domain.BookKey{Symbol: "BTCUSDT", Side: domain.BookSideAsk}

func snapshot(time int64, asks ...domain.PriceLevel) *domain.OrderBookSnapshot {
	return &domain.OrderBookSnapshot{
		Symbol: "BTCUSDT",
		Time:   time,
		Bids:   []domain.PriceLevel{{Price: 99, Quantity: 20}},
		Asks:   asks,
	}
}

func newLevelCycle(t *testing.T, opts LevelCycleOptions) *LevelCycle {
	t.Helper()
	if opts.Key.Symbol == "" {
		opts.Key = askBook
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	l, err := NewLevelCycle(opts)
	require.NoError(t, err)
	return l
}

type faultyLevelStore struct {
	*memory.LevelStateStore
	loadErr error
	saves   int
}

func (f *faultyLevelStore) Load(ctx context.Context, key domain.BookKey) (*domain.LevelState, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.LevelStateStore.Load(ctx, key)
}

func (f *faultyLevelStore) Save(ctx context.Context, key domain.BookKey, state *domain.LevelState) error {
	f.saves++
	return f.LevelStateStore.Save(ctx, key, state)
}

func TestLevelCycle_TracksLifetime(t *testing.T) {
	source := stub.NewSnapshotSource(
		snapshot(1000, domain.PriceLevel{Price: 100, Quantity: 60}, domain.PriceLevel{Price: 101, Quantity: 5}),
		snapshot(5000, domain.PriceLevel{Price: 100, Quantity: 70}, domain.PriceLevel{Price: 102, Quantity: 120}),
	)
	store := memory.NewLevelStateStore()
	sink := memory.NewHistorySink()
	l := newLevelCycle(t, LevelCycleOptions{
		Source: source,
		Store:  store,
		Sink:   sink,
		Clock:  stub.NewClockMillis(9000),
	})

	res, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.Tracked)

	res, err = l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5000), res.SnapshotTime)

	state, err := store.Load(context.Background(), askBook)
	require.NoError(t, err)
	// 101 sits above the new best ask and is evicted
	require.Len(t, state.Levels, 2)

	lvl := state.Levels[100]
	assert.Equal(t, int64(1000), lvl.FindTime)
	assert.Equal(t, 60.0, lvl.Quantity)
	assert.Equal(t, domain.Tier2, lvl.Tier)
	require.NotNil(t, lvl.LifeTime)
	assert.Equal(t, int64(4000), *lvl.LifeTime)
	require.NotNil(t, lvl.NowAsk)
	assert.Equal(t, int64(5000), *lvl.NowAsk)

	assert.Equal(t, domain.Tier1, state.Levels[102].Tier)
	assert.Nil(t, state.Levels[102].LifeTime)

	require.Len(t, sink.Levels(), 2)
	assert.Equal(t, res.RunID, sink.Levels()[1].RunID)
}

func TestLevelCycle_EvictsTradedThroughLevels(t *testing.T) {
	source := stub.NewSnapshotSource(
		snapshot(1000, domain.PriceLevel{Price: 100, Quantity: 60}, domain.PriceLevel{Price: 105, Quantity: 80}),
		snapshot(2000, domain.PriceLevel{Price: 103, Quantity: 15}),
	)
	store := memory.NewLevelStateStore()
	l := newLevelCycle(t, LevelCycleOptions{Source: source, Store: store})

	_, err := l.Run(context.Background())
	require.NoError(t, err)
	res, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Evicted)

	state, err := store.Load(context.Background(), askBook)
	require.NoError(t, err)
	_, ok := state.Levels[105]
	assert.False(t, ok)
	assert.Contains(t, state.Levels, 100.0)
	assert.Contains(t, state.Levels, 103.0)
}

func TestLevelCycle_EmptySideKeepsPrior(t *testing.T) {
	source := stub.NewSnapshotSource(
		snapshot(1000, domain.PriceLevel{Price: 100, Quantity: 60}),
		snapshot(2000),
	)
	store := &faultyLevelStore{LevelStateStore: memory.NewLevelStateStore()}
	l := newLevelCycle(t, LevelCycleOptions{Source: source, Store: store})

	_, err := l.Run(context.Background())
	require.NoError(t, err)
	res, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, store.saves)
	assert.Equal(t, int64(1000), res.SnapshotTime)

	state, err := store.Load(context.Background(), askBook)
	require.NoError(t, err)
	assert.Len(t, state.Levels, 1)
	assert.Equal(t, int64(1000), state.SnapshotTime)
}

func TestLevelCycle_BidSide(t *testing.T) {
	source := stub.NewSnapshotSource(&domain.OrderBookSnapshot{
		Time: 1000,
		Bids: []domain.PriceLevel{{Price: 99, Quantity: 55}, {Price: 98, Quantity: 101}},
		Asks: []domain.PriceLevel{{Price: 100, Quantity: 1}},
	})
	store := memory.NewLevelStateStore()
	key := domain.BookKey{Symbol: "BTCUSDT", Side: domain.BookSideBid}
	l := newLevelCycle(t, LevelCycleOptions{Key: key, Source: source, Store: store})

	res, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 156.0, res.Summary.BidQuantity)

	state, err := store.Load(context.Background(), key)
	require.NoError(t, err)
	assert.Len(t, state.Levels, 2)
	assert.Equal(t, domain.Tier1, state.Levels[98].Tier)
}

func TestLevelCycle_SourceFailurePersistsNothing(t *testing.T) {
	source := stub.NewSnapshotSource()
	source.FailWith(errors.New("503"))
	store := &faultyLevelStore{LevelStateStore: memory.NewLevelStateStore()}
	l := newLevelCycle(t, LevelCycleOptions{Source: source, Store: store})

	_, err := l.Run(context.Background())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Equal(t, 0, store.saves)
}

func TestLevelCycle_CorruptStateAborts(t *testing.T) {
	store := &faultyLevelStore{
		LevelStateStore: memory.NewLevelStateStore(),
		loadErr:         storage.ErrStateCorrupt,
	}
	l := newLevelCycle(t, LevelCycleOptions{
		Source: stub.NewSnapshotSource(snapshot(1000, domain.PriceLevel{Price: 100, Quantity: 60})),
		Store:  store,
	})

	_, err := l.Run(context.Background())
	assert.ErrorIs(t, err, storage.ErrStateCorrupt)
	assert.Equal(t, 0, store.saves)
}

func TestLevelCycle_SinkFailureDoesNotRollBack(t *testing.T) {
	sink := memory.NewHistorySink()
	sink.FailWith(errors.New("kafka down"))
	store := memory.NewLevelStateStore()
	l := newLevelCycle(t, LevelCycleOptions{
		Source: stub.NewSnapshotSource(snapshot(1000, domain.PriceLevel{Price: 100, Quantity: 60})),
		Store:  store,
		Sink:   sink,
	})

	res, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SinkErrors)

	_, err = store.Load(context.Background(), askBook)
	assert.NoError(t, err)
}

func TestLevelCycle_MinQuantity(t *testing.T) {
	store := memory.NewLevelStateStore()
	l := newLevelCycle(t, LevelCycleOptions{
		Source: stub.NewSnapshotSource(snapshot(1000,
			domain.PriceLevel{Price: 100, Quantity: 0.5},
			domain.PriceLevel{Price: 101, Quantity: 30},
		)),
		Store:   store,
		Tracker: levels.Config{Tiering: levels.DefaultTiering(), MinQuantity: 1},
	})

	res, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Filtered)

	state, err := store.Load(context.Background(), askBook)
	require.NoError(t, err)
	assert.Len(t, state.Levels, 1)
}

func TestLevelCycle_DepthLimitPassed(t *testing.T) {
	asks := make([]domain.PriceLevel, 10)
	for i := range asks {
		asks[i] = domain.PriceLevel{Price: 100 + float64(i), Quantity: 20}
	}
	store := memory.NewLevelStateStore()
	l := newLevelCycle(t, LevelCycleOptions{
		Source:     stub.NewSnapshotSource(snapshot(1000, asks...)),
		Store:      store,
		DepthLimit: 4,
	})

	res, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Stats.Tracked)
}
