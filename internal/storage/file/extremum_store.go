package file

import (
	"context"
	"fmt"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/storage"
)

// Row kinds of an extrema table.
const (
	kindCursor   = "cursor"
	kindExtremum = "extremum"
	kindLookback = "lookback"
)

var extremaHeader = []string{"kind", "open_time", "price", "kick_count"}

// ExtremumStore keeps one CSV table per stream:
//
//	kind,open_time,price,kick_count
//	cursor,<next_start>,<updated_at_ms>,
//	extremum,<open_time>,<price>,<kick_count>
//	lookback,<open_time>,<high>,<low>
type ExtremumStore struct {
	dir *Dir
}

// NewExtremumStore creates a new file extremum store.
func NewExtremumStore(dir *Dir) *ExtremumStore {
	return &ExtremumStore{dir: dir}
}

// Compile-time interface check.
var _ storage.ExtremumStore = (*ExtremumStore)(nil)

func (s *ExtremumStore) path(key domain.StreamKey) string {
	return s.dir.file("extrema", key.Symbol, key.Interval.String(), key.Side.String())
}

// Load reads the stream's table. Returns ErrNotFound if the file is absent
// and ErrStateCorrupt if any row fails to parse.
func (s *ExtremumStore) Load(_ context.Context, key domain.StreamKey) (*domain.ExtremumCheckpoint, error) {
	rows, err := readRows(s.path(key))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || !equalRow(rows[0], extremaHeader) {
		return nil, fmt.Errorf("%w: missing extrema header", storage.ErrStateCorrupt)
	}

	cp := &domain.ExtremumCheckpoint{Stack: domain.ExtremumStack{}}
	sawCursor := false
	for i, row := range rows[1:] {
		p := fieldParser{line: i + 2}
		if err := expectFields(row, 4, p.line); err != nil {
			return nil, err
		}
		switch row[0] {
		case kindCursor:
			if sawCursor {
				return nil, fmt.Errorf("%w: line %d: duplicate cursor", storage.ErrStateCorrupt, p.line)
			}
			sawCursor = true
			cp.NextStart = p.int(row[1])
			cp.UpdatedAt = p.time(row[2])
		case kindExtremum:
			cp.Stack = append(cp.Stack, domain.ExtremumRecord{
				OpenTime:  p.int(row[1]),
				Price:     p.float(row[2]),
				KickCount: int(p.int(row[3])),
			})
		case kindLookback:
			cp.Lookback = append(cp.Lookback, domain.Bar{
				OpenTime:  p.int(row[1]),
				HighPrice: p.float(row[2]),
				LowPrice:  p.float(row[3]),
			})
		default:
			return nil, fmt.Errorf("%w: line %d: unknown row kind %q", storage.ErrStateCorrupt, p.line, row[0])
		}
		if p.err != nil {
			return nil, p.err
		}
	}

	if !sawCursor {
		return nil, fmt.Errorf("%w: missing cursor row", storage.ErrStateCorrupt)
	}
	if err := cp.Stack.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStateCorrupt, err)
	}
	return cp, nil
}

// Save rewrites the stream's table atomically.
func (s *ExtremumStore) Save(_ context.Context, key domain.StreamKey, cp *domain.ExtremumCheckpoint) error {
	if cp == nil || key.Symbol == "" {
		return storage.ErrInvalidInput
	}

	rows := make([][]string, 0, 2+len(cp.Stack)+len(cp.Lookback))
	rows = append(rows, extremaHeader)
	rows = append(rows, []string{kindCursor, formatInt(cp.NextStart), formatTime(cp.UpdatedAt), ""})
	for _, r := range cp.Stack {
		rows = append(rows, []string{kindExtremum, formatInt(r.OpenTime), formatFloat(r.Price), formatInt(int64(r.KickCount))})
	}
	for _, b := range cp.Lookback {
		rows = append(rows, []string{kindLookback, formatInt(b.OpenTime), formatFloat(b.HighPrice), formatFloat(b.LowPrice)})
	}

	return writeRows(s.path(key), rows)
}

func equalRow(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
