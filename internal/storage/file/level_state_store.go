package file

import (
	"context"
	"fmt"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/storage"
)

const (
	kindSnapshot = "snapshot"
	kindLevel    = "level"
)

var levelsHeader = []string{"kind", "price", "quantity", "tier", "find_time", "now_ask", "life_time"}

// LevelStateStore keeps one CSV table per book side:
//
//	kind,price,quantity,tier,find_time,now_ask,life_time
//	snapshot,<snapshot_time>,<updated_at_ms>,,,,
//	level,<price>,<quantity>,<tier>,<find_time>,<now_ask>,<life_time>
type LevelStateStore struct {
	dir *Dir
}

// NewLevelStateStore creates a new file level state store.
func NewLevelStateStore(dir *Dir) *LevelStateStore {
	return &LevelStateStore{dir: dir}
}

// Compile-time interface check.
var _ storage.LevelStateStore = (*LevelStateStore)(nil)

func (s *LevelStateStore) path(key domain.BookKey) string {
	return s.dir.file("levels", key.Symbol, key.Side.String())
}

// Load reads the book's table.
func (s *LevelStateStore) Load(_ context.Context, key domain.BookKey) (*domain.LevelState, error) {
	rows, err := readRows(s.path(key))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || !equalRow(rows[0], levelsHeader) {
		return nil, fmt.Errorf("%w: missing levels header", storage.ErrStateCorrupt)
	}

	state := &domain.LevelState{Levels: domain.LevelStore{}}
	sawSnapshot := false
	for i, row := range rows[1:] {
		p := fieldParser{line: i + 2}
		if err := expectFields(row, len(levelsHeader), p.line); err != nil {
			return nil, err
		}
		switch row[0] {
		case kindSnapshot:
			if sawSnapshot {
				return nil, fmt.Errorf("%w: line %d: duplicate snapshot row", storage.ErrStateCorrupt, p.line)
			}
			sawSnapshot = true
			state.SnapshotTime = p.int(row[1])
			state.UpdatedAt = p.time(row[2])
		case kindLevel:
			lvl := domain.OrderBookLevel{
				Price:    p.float(row[1]),
				Quantity: p.float(row[2]),
				Tier:     domain.Tier(p.int(row[3])),
				FindTime: p.int(row[4]),
				NowAsk:   p.optional(row[5]),
				LifeTime: p.optional(row[6]),
			}
			if p.err == nil {
				if _, dup := state.Levels[lvl.Price]; dup {
					return nil, fmt.Errorf("%w: line %d: duplicate price %v", storage.ErrStateCorrupt, p.line, lvl.Price)
				}
				state.Levels[lvl.Price] = lvl
			}
		default:
			return nil, fmt.Errorf("%w: line %d: unknown row kind %q", storage.ErrStateCorrupt, p.line, row[0])
		}
		if p.err != nil {
			return nil, p.err
		}
	}

	if !sawSnapshot {
		return nil, fmt.Errorf("%w: missing snapshot row", storage.ErrStateCorrupt)
	}
	if err := state.Levels.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStateCorrupt, err)
	}
	return state, nil
}

// Save rewrites the book's table atomically, levels ordered by price.
func (s *LevelStateStore) Save(_ context.Context, key domain.BookKey, state *domain.LevelState) error {
	if state == nil || key.Symbol == "" {
		return storage.ErrInvalidInput
	}

	rows := make([][]string, 0, 2+len(state.Levels))
	rows = append(rows, levelsHeader)
	rows = append(rows, []string{kindSnapshot, formatInt(state.SnapshotTime), formatTime(state.UpdatedAt), "", "", "", ""})
	for _, l := range state.Levels.Sorted() {
		rows = append(rows, []string{
			kindLevel,
			formatFloat(l.Price),
			formatFloat(l.Quantity),
			formatInt(int64(l.Tier)),
			formatInt(l.FindTime),
			formatOptional(l.NowAsk),
			formatOptional(l.LifeTime),
		})
	}

	return writeRows(s.path(key), rows)
}
