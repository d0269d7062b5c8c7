package domain

import (
	"fmt"
	"time"
)

// Side selects which extremum a tracker follows.
type Side string

const (
	SideHigh Side = "high" // swing highs, driven by Bar.HighPrice
	SideLow  Side = "low"  // swing lows, driven by Bar.LowPrice
)

// String returns the string representation of Side.
func (s Side) String() string {
	return string(s)
}

// IsValid checks if the side is a valid value.
func (s Side) IsValid() bool {
	return s == SideHigh || s == SideLow
}

// ExtremumRecord is one confirmed local maximum (or minimum).
type ExtremumRecord struct {
	OpenTime  int64   // open time of the bar that set the extremum (ms)
	Price     float64 // extremum price
	KickCount int     // 1 + number of later bars that revisited it within tolerance
}

// ExtremumStack is the ordered extremum sequence, ascending by OpenTime.
type ExtremumStack []ExtremumRecord

// Clone returns a deep copy of the stack.
func (s ExtremumStack) Clone() ExtremumStack {
	if s == nil {
		return nil
	}
	out := make(ExtremumStack, len(s))
	copy(out, s)
	return out
}

// Top returns the last record and whether the stack is non-empty.
func (s ExtremumStack) Top() (ExtremumRecord, bool) {
	if len(s) == 0 {
		return ExtremumRecord{}, false
	}
	return s[len(s)-1], true
}

// Validate checks the persisted-state invariants: strictly ascending
// open times and kick counts of at least one.
func (s ExtremumStack) Validate() error {
	for i, r := range s {
		if r.KickCount < 1 {
			return fmt.Errorf("record %d: kick_count %d < 1", i, r.KickCount)
		}
		if i > 0 && r.OpenTime <= s[i-1].OpenTime {
			return fmt.Errorf("record %d: open_time %d not after %d", i, r.OpenTime, s[i-1].OpenTime)
		}
	}
	return nil
}

// StreamKey identifies one extremum tracker: a symbol, bar interval and side.
type StreamKey struct {
	Symbol   string
	Interval Interval
	Side     Side
}

// String returns "SYMBOL/interval/side".
func (k StreamKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Symbol, k.Interval, k.Side)
}

// ExtremumCheckpoint is everything persisted between controller invocations
// for one stream. It is loaded and stored as a whole.
type ExtremumCheckpoint struct {
	NextStart int64         // start of the next bar window (ms)
	Stack     ExtremumStack // confirmed extrema
	Lookback  []Bar         // trailing bars before NextStart used for confirmation
	UpdatedAt time.Time     // wall-clock time of the last save
}

// Clone returns a deep copy of the checkpoint.
func (c *ExtremumCheckpoint) Clone() *ExtremumCheckpoint {
	if c == nil {
		return nil
	}
	out := &ExtremumCheckpoint{
		NextStart: c.NextStart,
		Stack:     c.Stack.Clone(),
		UpdatedAt: c.UpdatedAt,
	}
	if c.Lookback != nil {
		out.Lookback = make([]Bar, len(c.Lookback))
		copy(out.Lookback, c.Lookback)
	}
	return out
}
