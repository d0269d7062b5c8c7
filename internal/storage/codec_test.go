package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-structure-lab/internal/domain"
)

func int64Ptr(v int64) *int64 { return &v }

func TestCheckpointCodec(t *testing.T) {
	cp := &domain.ExtremumCheckpoint{
		NextStart: 180_000,
		Stack: domain.ExtremumStack{
			{OpenTime: 0, Price: 10, KickCount: 2},
			{OpenTime: 120_000, Price: 9.5, KickCount: 1},
		},
		Lookback:  []domain.Bar{{OpenTime: 120_000, HighPrice: 9.5, LowPrice: 9}},
		UpdatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	data, err := EncodeCheckpoint(cp)
	require.NoError(t, err)

	got, err := DecodeCheckpoint(data)
	require.NoError(t, err)
	assert.Equal(t, cp, got)
}

func TestDecodeCheckpoint_Corrupt(t *testing.T) {
	tests := map[string]string{
		"not json":        `{"next_start":`,
		"unknown field":   `{"next_start":1,"stack":[],"lookback":[],"updated_at":"2024-01-01T00:00:00Z","extra":1}`,
		"zero kick count": `{"next_start":1,"stack":[{"open_time":1,"price":2,"kick_count":0}],"lookback":[],"updated_at":"2024-01-01T00:00:00Z"}`,
		"unordered stack": `{"next_start":1,"stack":[{"open_time":5,"price":2,"kick_count":1},{"open_time":1,"price":1,"kick_count":1}],"lookback":[],"updated_at":"2024-01-01T00:00:00Z"}`,
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeCheckpoint([]byte(raw))
			assert.True(t, errors.Is(err, ErrStateCorrupt), "got %v", err)
		})
	}
}

func TestLevelStateCodec(t *testing.T) {
	state := &domain.LevelState{
		SnapshotTime: 5000,
		Levels: domain.LevelStore{
			100.5: {Price: 100.5, Quantity: 60, Tier: domain.Tier2, FindTime: 1000, NowAsk: int64Ptr(5000), LifeTime: int64Ptr(4000)},
			101:   {Price: 101, Quantity: 5, Tier: domain.TierNone, FindTime: 5000},
		},
		UpdatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	data, err := EncodeLevelState(state)
	require.NoError(t, err)

	got, err := DecodeLevelState(data)
	require.NoError(t, err)
	assert.Equal(t, state, got)
}

func TestDecodeLevelState_DuplicatePrice(t *testing.T) {
	raw := `{"snapshot_time":1,"levels":[{"price":1,"quantity":1,"tier":0,"find_time":1,"now_ask":null,"life_time":null},{"price":1,"quantity":2,"tier":0,"find_time":1,"now_ask":null,"life_time":null}],"updated_at":"2024-01-01T00:00:00Z"}`

	_, err := DecodeLevelState([]byte(raw))
	assert.ErrorIs(t, err, ErrStateCorrupt)
}

func TestEncode_NilInput(t *testing.T) {
	_, err := EncodeCheckpoint(nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = EncodeLevelState(nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
