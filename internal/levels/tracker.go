// Package levels tracks how long resting order-book price levels survive
// between snapshots.
package levels

import (
	"fmt"
	"sort"

	"market-structure-lab/internal/domain"
)

// Tiering holds the size thresholds used to classify a level.
// Tier 1 and 2 are inclusive lower bounds, tier 3 is exclusive.
type Tiering struct {
	Tier1 float64
	Tier2 float64
	Tier3 float64
}

// DefaultTiering returns the {100, 50, 10} thresholds.
func DefaultTiering() Tiering {
	return Tiering{Tier1: 100, Tier2: 50, Tier3: 10}
}

// Classify maps a resting quantity to its tier.
func (t Tiering) Classify(quantity float64) domain.Tier {
	switch {
	case quantity >= t.Tier1:
		return domain.Tier1
	case quantity >= t.Tier2:
		return domain.Tier2
	case quantity > t.Tier3:
		return domain.Tier3
	default:
		return domain.TierNone
	}
}

// Validate checks the thresholds are ordered.
func (t Tiering) Validate() error {
	if !(t.Tier1 >= t.Tier2 && t.Tier2 >= t.Tier3 && t.Tier3 >= 0) {
		return fmt.Errorf("tier thresholds must satisfy tier1 >= tier2 >= tier3 >= 0, got %v/%v/%v", t.Tier1, t.Tier2, t.Tier3)
	}
	return nil
}

// Config parametrizes one level tracker.
type Config struct {
	Side        domain.BookSide
	Tiering     Tiering
	MinQuantity float64 // new levels with quantity <= MinQuantity are not tracked; 0 keeps all
}

// DefaultConfig returns the ask-side tracker with default tiering.
func DefaultConfig() Config {
	return Config{
		Side:    domain.BookSideAsk,
		Tiering: DefaultTiering(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Side.IsValid() {
		return fmt.Errorf("invalid book side %q", c.Side)
	}
	if c.MinQuantity < 0 {
		return fmt.Errorf("min quantity must be >= 0, got %v", c.MinQuantity)
	}
	return c.Tiering.Validate()
}

// Stats counts what one reconciliation did.
type Stats struct {
	Observed  int     // levels in the snapshot
	Filtered  int     // snapshot levels dropped by MinQuantity
	Evicted   int     // prior levels the market traded through
	New       int     // prices seen for the first time
	Revisited int     // prices seen before and again now
	Tracked   int     // levels in the returned store
	BestPrice float64 // best price of the snapshot side, 0 when empty
}

// Reconcile merges the levels observed at snapshotTime into prior and
// returns the new store. prior is not modified.
//
// On the ask side every prior level priced strictly above the best ask is
// evicted; the bid side mirrors this with levels strictly below the best bid.
// A price seen before keeps its first observation (find time, quantity, tier)
// and gains a lifetime measured to the latest observation.
func Reconcile(snapshotTime int64, newLevels []domain.PriceLevel, prior domain.LevelStore, cfg Config) (domain.LevelStore, Stats) {
	stats := Stats{Observed: len(newLevels)}

	best, ok := bestPrice(newLevels, cfg.Side)
	if ok {
		stats.BestPrice = best
	}

	// Group all records by price: surviving prior levels first, then new ones.
	groups := make(map[float64][]domain.OrderBookLevel, len(prior)+len(newLevels))
	for price, lvl := range prior {
		if ok && tradedThrough(price, best, cfg.Side) {
			stats.Evicted++
			continue
		}
		groups[price] = append(groups[price], lvl)
	}

	for _, pl := range newLevels {
		if cfg.MinQuantity > 0 && pl.Quantity <= cfg.MinQuantity {
			stats.Filtered++
			continue
		}
		groups[pl.Price] = append(groups[pl.Price], domain.OrderBookLevel{
			Price:    pl.Price,
			Quantity: pl.Quantity,
			Tier:     cfg.Tiering.Classify(pl.Quantity),
			FindTime: snapshotTime,
		})
	}

	out := make(domain.LevelStore, len(groups))
	for price, group := range groups {
		_, wasKnown := prior[price]
		if len(group) == 1 {
			out[price] = group[0]
			if !wasKnown {
				stats.New++
			}
			continue
		}

		out[price] = collapse(group)
		if wasKnown {
			stats.Revisited++
		} else {
			stats.New++
		}
	}
	stats.Tracked = len(out)

	return out.Clone(), stats
}

// collapse merges two or more observations of one price into a single record.
func collapse(group []domain.OrderBookLevel) domain.OrderBookLevel {
	sort.SliceStable(group, func(i, j int) bool {
		return group[i].FindTime < group[j].FindTime
	})

	first := group[0]
	later := group[len(group)-1].FindTime
	life := later - first.FindTime

	return domain.OrderBookLevel{
		Price:    first.Price,
		Quantity: first.Quantity,
		Tier:     first.Tier,
		FindTime: first.FindTime,
		NowAsk:   &later,
		LifeTime: &life,
	}
}

// bestPrice returns the lowest ask or the highest bid.
func bestPrice(levels []domain.PriceLevel, side domain.BookSide) (float64, bool) {
	if len(levels) == 0 {
		return 0, false
	}
	best := levels[0].Price
	for _, l := range levels[1:] {
		if side == domain.BookSideBid {
			if l.Price > best {
				best = l.Price
			}
		} else if l.Price < best {
			best = l.Price
		}
	}
	return best, true
}

func tradedThrough(price, best float64, side domain.BookSide) bool {
	if side == domain.BookSideBid {
		return price < best
	}
	return price > best
}
