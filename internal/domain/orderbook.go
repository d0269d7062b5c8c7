package domain

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// BookSide selects which side of the order book a level tracker follows.
type BookSide string

const (
	BookSideAsk BookSide = "ask"
	BookSideBid BookSide = "bid"
)

// String returns the string representation of BookSide.
func (s BookSide) String() string {
	return string(s)
}

// IsValid checks if the book side is a valid value.
func (s BookSide) IsValid() bool {
	return s == BookSideAsk || s == BookSideBid
}

// PriceLevel is one (price, quantity) row of an order-book ladder.
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// OrderBookSnapshot is a priced ladder at a point in time.
// Asks are ordered ascending (best first), bids descending (best first).
type OrderBookSnapshot struct {
	Symbol       string
	Time         int64 // observation time (ms)
	LastUpdateID int64 // exchange sequence number, 0 if unknown
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// Levels returns the ladder for the given side.
func (s *OrderBookSnapshot) Levels(side BookSide) []PriceLevel {
	if side == BookSideBid {
		return s.Bids
	}
	return s.Asks
}

// Tier is the coarse size class of a resting level. TierNone is unclassified.
type Tier int

const (
	TierNone Tier = 0
	Tier1    Tier = 1
	Tier2    Tier = 2
	Tier3    Tier = 3
)

// String returns "1", "2", "3" or "" for TierNone.
func (t Tier) String() string {
	if t == TierNone {
		return ""
	}
	return strconv.Itoa(int(t))
}

// OrderBookLevel is the lifetime record of one resting price level.
type OrderBookLevel struct {
	Price    float64
	Quantity float64 // quantity when first observed
	Tier     Tier    // tier when first observed
	FindTime int64   // first observation (ms)
	NowAsk   *int64  // latest re-observation (ms), nil until seen again
	LifeTime *int64  // NowAsk - FindTime (ms), nil until seen again
}

// LevelStore is the set of tracked levels keyed by price.
type LevelStore map[float64]OrderBookLevel

// Clone returns a deep copy of the store.
func (s LevelStore) Clone() LevelStore {
	out := make(LevelStore, len(s))
	for p, l := range s {
		out[p] = l.clone()
	}
	return out
}

// Sorted returns the levels ordered ascending by price.
func (s LevelStore) Sorted() []OrderBookLevel {
	out := make([]OrderBookLevel, 0, len(s))
	for _, l := range s {
		out = append(out, l.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Price < out[j].Price
	})
	return out
}

// Validate checks that every record is stored under its own price.
func (s LevelStore) Validate() error {
	for p, l := range s {
		if p != l.Price || math.IsNaN(p) {
			return fmt.Errorf("level keyed %v has price %v", p, l.Price)
		}
		if l.Tier < TierNone || l.Tier > Tier3 {
			return fmt.Errorf("level %v has invalid tier %d", p, l.Tier)
		}
	}
	return nil
}

func (l OrderBookLevel) clone() OrderBookLevel {
	if l.NowAsk != nil {
		v := *l.NowAsk
		l.NowAsk = &v
	}
	if l.LifeTime != nil {
		v := *l.LifeTime
		l.LifeTime = &v
	}
	return l
}

// BookKey identifies one level tracker: a symbol and book side.
type BookKey struct {
	Symbol string
	Side   BookSide
}

// String returns "SYMBOL/side".
func (k BookKey) String() string {
	return fmt.Sprintf("%s/%s", k.Symbol, k.Side)
}

// LevelState is everything persisted between level cycles for one book.
type LevelState struct {
	SnapshotTime int64 // time of the last reconciled snapshot (ms)
	Levels       LevelStore
	UpdatedAt    time.Time
}

// Clone returns a deep copy of the state.
func (s *LevelState) Clone() *LevelState {
	if s == nil {
		return nil
	}
	return &LevelState{
		SnapshotTime: s.SnapshotTime,
		Levels:       s.Levels.Clone(),
		UpdatedAt:    s.UpdatedAt,
	}
}
