package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"market-structure-lab/internal/domain"
)

// Wire documents used by the key-value backends (pebble, redis) and the
// history sinks. Levels are encoded as a price-ordered array because JSON
// object keys cannot be floats.

type recordDoc struct {
	OpenTime  int64   `json:"open_time"`
	Price     float64 `json:"price"`
	KickCount int     `json:"kick_count"`
}

type barDoc struct {
	OpenTime  int64   `json:"open_time"`
	HighPrice float64 `json:"high_price"`
	LowPrice  float64 `json:"low_price"`
}

type checkpointDoc struct {
	NextStart int64       `json:"next_start"`
	Stack     []recordDoc `json:"stack"`
	Lookback  []barDoc    `json:"lookback"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type levelDoc struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Tier     int     `json:"tier"`
	FindTime int64   `json:"find_time"`
	NowAsk   *int64  `json:"now_ask"`
	LifeTime *int64  `json:"life_time"`
}

type levelStateDoc struct {
	SnapshotTime int64      `json:"snapshot_time"`
	Levels       []levelDoc `json:"levels"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// EncodeCheckpoint serializes a checkpoint.
func EncodeCheckpoint(cp *domain.ExtremumCheckpoint) ([]byte, error) {
	if cp == nil {
		return nil, ErrInvalidInput
	}
	doc := checkpointDoc{
		NextStart: cp.NextStart,
		Stack:     make([]recordDoc, 0, len(cp.Stack)),
		Lookback:  make([]barDoc, 0, len(cp.Lookback)),
		UpdatedAt: cp.UpdatedAt.UTC(),
	}
	for _, r := range cp.Stack {
		doc.Stack = append(doc.Stack, recordDoc{OpenTime: r.OpenTime, Price: r.Price, KickCount: r.KickCount})
	}
	for _, b := range cp.Lookback {
		doc.Lookback = append(doc.Lookback, barDoc{OpenTime: b.OpenTime, HighPrice: b.HighPrice, LowPrice: b.LowPrice})
	}
	return json.Marshal(doc)
}

// DecodeCheckpoint parses a checkpoint. Any malformed input yields ErrStateCorrupt.
func DecodeCheckpoint(data []byte) (*domain.ExtremumCheckpoint, error) {
	var doc checkpointDoc
	if err := strictUnmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode checkpoint: %v", ErrStateCorrupt, err)
	}

	cp := &domain.ExtremumCheckpoint{
		NextStart: doc.NextStart,
		Stack:     make(domain.ExtremumStack, 0, len(doc.Stack)),
		UpdatedAt: doc.UpdatedAt,
	}
	for _, r := range doc.Stack {
		cp.Stack = append(cp.Stack, domain.ExtremumRecord{OpenTime: r.OpenTime, Price: r.Price, KickCount: r.KickCount})
	}
	for _, b := range doc.Lookback {
		cp.Lookback = append(cp.Lookback, domain.Bar{OpenTime: b.OpenTime, HighPrice: b.HighPrice, LowPrice: b.LowPrice})
	}
	if err := cp.Stack.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	return cp, nil
}

// EncodeLevelState serializes a level state.
func EncodeLevelState(state *domain.LevelState) ([]byte, error) {
	if state == nil {
		return nil, ErrInvalidInput
	}
	doc := levelStateDoc{
		SnapshotTime: state.SnapshotTime,
		Levels:       make([]levelDoc, 0, len(state.Levels)),
		UpdatedAt:    state.UpdatedAt.UTC(),
	}
	for _, l := range state.Levels.Sorted() {
		doc.Levels = append(doc.Levels, levelDoc{
			Price:    l.Price,
			Quantity: l.Quantity,
			Tier:     int(l.Tier),
			FindTime: l.FindTime,
			NowAsk:   l.NowAsk,
			LifeTime: l.LifeTime,
		})
	}
	return json.Marshal(doc)
}

// DecodeLevelState parses a level state. Any malformed input yields ErrStateCorrupt.
func DecodeLevelState(data []byte) (*domain.LevelState, error) {
	var doc levelStateDoc
	if err := strictUnmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode level state: %v", ErrStateCorrupt, err)
	}

	state := &domain.LevelState{
		SnapshotTime: doc.SnapshotTime,
		Levels:       make(domain.LevelStore, len(doc.Levels)),
		UpdatedAt:    doc.UpdatedAt,
	}
	for _, l := range doc.Levels {
		if _, dup := state.Levels[l.Price]; dup {
			return nil, fmt.Errorf("%w: duplicate level at price %v", ErrStateCorrupt, l.Price)
		}
		state.Levels[l.Price] = domain.OrderBookLevel{
			Price:    l.Price,
			Quantity: l.Quantity,
			Tier:     domain.Tier(l.Tier),
			FindTime: l.FindTime,
			NowAsk:   l.NowAsk,
			LifeTime: l.LifeTime,
		}
	}
	if err := state.Levels.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	return state, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after document")
	}
	return nil
}
