// Package extremum finds swing highs and swing lows in an ordered bar sequence.
//
// The tracker is a monotonic stack with hysteresis: a bar that decisively
// exceeds the last extremum retires it (and is re-evaluated against the new
// top), a bar inside the tolerance band counts as a revisit ("kick"), and a
// bar decisively beyond the band on the other side is only promoted when it
// dominates the trailing confirmation window.
package extremum

import (
	"fmt"

	"market-structure-lab/internal/domain"
)

// BandMode selects how a revisit of the top extremum is detected.
type BandMode string

const (
	// BandTolerance treats any price within ±Tolerance of the top as a revisit.
	BandTolerance BandMode = "tolerance"
	// BandExact treats only an exactly equal price as a revisit.
	BandExact BandMode = "exact"
)

// IsValid checks if the band mode is a valid value.
func (m BandMode) IsValid() bool {
	return m == BandTolerance || m == BandExact
}

// Config parametrizes one tracker. It is passed explicitly to every call.
type Config struct {
	Side          domain.Side
	Tolerance     float64  // half-width of the revisit band, >= 0
	ConfirmWindow int      // trailing bars a candidate must dominate; 0 always confirms
	BandMode      BandMode // revisit rule; empty means BandTolerance
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig(side domain.Side) Config {
	return Config{
		Side:          side,
		Tolerance:     0,
		ConfirmWindow: 3,
		BandMode:      BandTolerance,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Side.IsValid() {
		return fmt.Errorf("invalid side %q", c.Side)
	}
	if c.Tolerance < 0 {
		return fmt.Errorf("tolerance must be >= 0, got %v", c.Tolerance)
	}
	if c.ConfirmWindow < 0 {
		return fmt.Errorf("confirm window must be >= 0, got %d", c.ConfirmWindow)
	}
	if c.BandMode != "" && !c.BandMode.IsValid() {
		return fmt.Errorf("invalid band mode %q", c.BandMode)
	}
	return nil
}

// Stats counts what one reconciliation did.
type Stats struct {
	Bars     int // bars consumed (history excluded)
	Pushed   int // new extrema registered
	Popped   int // extrema retired by a decisively higher (lower) bar
	Kicked   int // revisits of the top extremum
	Rejected int // candidates that failed confirmation
}

// Reconcile folds bars into prior and returns the new stack.
// prior is not modified. Empty bars return a copy of prior.
func Reconcile(bars []domain.Bar, prior domain.ExtremumStack, cfg Config) (domain.ExtremumStack, Stats) {
	return ReconcileWithHistory(nil, bars, prior, cfg)
}

// ReconcileWithHistory is Reconcile where history holds the bars that
// immediately precede bars. History bars take part in the confirmation
// look-back and in the minimum-index rule, but are never pushed or kicked.
//
// A candidate is only pushed when it opens after the current top. A resumed
// run re-reads the bar at its rewound cursor, and that bar may already sit
// on the stack or predate its top; such bars can pop or kick but never push,
// so the stack stays ordered by open time.
func ReconcileWithHistory(history, bars []domain.Bar, prior domain.ExtremumStack, cfg Config) (domain.ExtremumStack, Stats) {
	stats := Stats{Bars: len(bars)}
	stack := prior.Clone()
	if len(bars) == 0 {
		return stack, stats
	}

	o := newOrientation(cfg)

	series := make([]domain.Bar, 0, len(history)+len(bars))
	series = append(series, history...)
	series = append(series, bars...)

	// The cursor is explicit: a pop re-evaluates the same bar against the new top.
	i := len(history)
	for i < len(series) {
		bar := series[i]
		v := o.value(bar)

		if len(stack) == 0 {
			stack = append(stack, o.record(bar))
			stats.Pushed++
			i++
			continue
		}

		top := &stack[len(stack)-1]
		topV := o.oriented(top.Price)

		switch {
		case topV+cfg.Tolerance < v:
			stack = stack[:len(stack)-1]
			stats.Popped++
			// same bar again
		case o.inBand(topV, v):
			top.KickCount++
			stats.Kicked++
			i++
		default:
			if bar.OpenTime > top.OpenTime && o.confirmed(series, i) {
				stack = append(stack, o.record(bar))
				stats.Pushed++
			} else {
				stats.Rejected++
			}
			i++
		}
	}

	return stack, stats
}

// orientation maps a low tracker onto the high tracker by negating prices,
// so both sides share one comparison path.
type orientation struct {
	sign          float64
	tolerance     float64
	confirmWindow int
	exact         bool
	side          domain.Side
}

func newOrientation(cfg Config) orientation {
	o := orientation{
		sign:          1,
		tolerance:     cfg.Tolerance,
		confirmWindow: cfg.ConfirmWindow,
		exact:         cfg.BandMode == BandExact,
		side:          cfg.Side,
	}
	if cfg.Side == domain.SideLow {
		o.sign = -1
	}
	return o
}

func (o orientation) price(b domain.Bar) float64 {
	if o.side == domain.SideLow {
		return b.LowPrice
	}
	return b.HighPrice
}

func (o orientation) value(b domain.Bar) float64 {
	return o.sign * o.price(b)
}

func (o orientation) oriented(price float64) float64 {
	return o.sign * price
}

func (o orientation) record(b domain.Bar) domain.ExtremumRecord {
	return domain.ExtremumRecord{
		OpenTime:  b.OpenTime,
		Price:     o.price(b),
		KickCount: 1,
	}
}

// inBand reports whether v revisits topV. Only called when v is not
// decisively beyond topV.
func (o orientation) inBand(topV, v float64) bool {
	if o.exact {
		return topV == v
	}
	return topV-o.tolerance < v
}

// confirmed reports whether series[i] dominates the trailing window
// series[i-k] for k in [0, confirmWindow). The index must be at least
// confirmWindow, so early bars of a fresh sequence are never promoted.
func (o orientation) confirmed(series []domain.Bar, i int) bool {
	if i < o.confirmWindow {
		return false
	}
	v := o.value(series[i])
	for k := 1; k < o.confirmWindow; k++ {
		if v < o.value(series[i-k]) {
			return false
		}
	}
	return true
}
