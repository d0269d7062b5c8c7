package pebble

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/storage"
)

var (
	testStream = domain.StreamKey{Symbol: "ETHUSDT", Interval: "5m", Side: domain.SideHigh}
	testBook   = domain.BookKey{Symbol: "ETHUSDT", Side: domain.BookSideBid}
)

func openDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestExtremumStore_SaveLoadPrevious(t *testing.T) {
	db := openDB(t)
	store := NewExtremumStore(db)
	ctx := context.Background()

	_, err := store.Load(ctx, testStream)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	first := &domain.ExtremumCheckpoint{
		NextStart: 300_000,
		Stack:     domain.ExtremumStack{{OpenTime: 0, Price: 10, KickCount: 1}},
		Lookback:  []domain.Bar{{OpenTime: 0, HighPrice: 10, LowPrice: 9}},
		UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	second := &domain.ExtremumCheckpoint{
		NextStart: 600_000,
		Stack:     domain.ExtremumStack{{OpenTime: 0, Price: 10, KickCount: 2}},
		Lookback:  []domain.Bar{{OpenTime: 300_000, HighPrice: 10, LowPrice: 9.5}},
		UpdatedAt: time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(ctx, testStream, first))
	require.NoError(t, store.Save(ctx, testStream, second))

	got, err := store.Load(ctx, testStream)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	prev, err := store.Previous(ctx, testStream)
	require.NoError(t, err)
	assert.Equal(t, first, prev)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.StreamKey{testStream}, keys)
}

func TestExtremumStore_CorruptValue(t *testing.T) {
	db := openDB(t)
	store := NewExtremumStore(db)

	require.NoError(t, db.db.Set(streamKey(prefixExtrema, testStream), []byte("{garbage"), pebble.Sync))

	_, err := store.Load(context.Background(), testStream)
	assert.ErrorIs(t, err, storage.ErrStateCorrupt)
}

func TestLevelStateStore_SaveAndLoad(t *testing.T) {
	db := openDB(t)
	store := NewLevelStateStore(db)
	ctx := context.Background()

	life, nowAsk := int64(4000), int64(5000)
	state := &domain.LevelState{
		SnapshotTime: 5000,
		Levels: domain.LevelStore{
			99.5: {Price: 99.5, Quantity: 120, Tier: domain.Tier1, FindTime: 1000, NowAsk: &nowAsk, LifeTime: &life},
		},
		UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(ctx, testBook, state))

	got, err := store.Load(ctx, testBook)
	require.NoError(t, err)
	assert.Equal(t, state, got)
}

func TestStores_SurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, NewExtremumStore(db).Save(ctx, testStream, &domain.ExtremumCheckpoint{NextStart: 42, Stack: domain.ExtremumStack{}}))
	require.NoError(t, db.Close())

	db, err = Open(dir)
	require.NoError(t, err)
	defer db.Close()

	got, err := NewExtremumStore(db).Load(ctx, testStream)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.NextStart)
}
