package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/storage"
)

// HistoryStore implements storage.HistorySink on the extremum_history and
// level_history tables. Every committed state is appended with its run ID.
type HistoryStore struct {
	conn *Conn
	now  func() time.Time
}

// NewHistoryStore creates a new HistoryStore.
func NewHistoryStore(conn *Conn) *HistoryStore {
	return &HistoryStore{conn: conn, now: time.Now}
}

// Compile-time interface check.
var _ storage.HistorySink = (*HistoryStore)(nil)

// RecordExtrema appends one row per extremum of cp.
func (s *HistoryStore) RecordExtrema(ctx context.Context, key domain.StreamKey, runID string, cp *domain.ExtremumCheckpoint) error {
	if cp == nil {
		return storage.ErrInvalidInput
	}
	if len(cp.Stack) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO extremum_history (
			run_id, symbol, bar_interval, side, next_start, open_time, price, kick_count, recorded_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	recordedAt := s.now().UTC()
	for _, r := range cp.Stack {
		err = batch.Append(
			runID, key.Symbol, key.Interval.String(), key.Side.String(),
			cp.NextStart, r.OpenTime, r.Price, uint32(r.KickCount), recordedAt,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// RecordLevels appends one row per tracked level of state.
func (s *HistoryStore) RecordLevels(ctx context.Context, key domain.BookKey, runID string, state *domain.LevelState) error {
	if state == nil {
		return storage.ErrInvalidInput
	}
	if len(state.Levels) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO level_history (
			run_id, symbol, side, snapshot_time, price, quantity, tier, find_time, now_ask, life_time, recorded_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	recordedAt := s.now().UTC()
	for _, l := range state.Levels.Sorted() {
		err = batch.Append(
			runID, key.Symbol, key.Side.String(), state.SnapshotTime,
			l.Price, l.Quantity, uint8(l.Tier), l.FindTime, l.NowAsk, l.LifeTime, recordedAt,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// ExtremaForRun returns the stack recorded by runID, ordered by open time.
func (s *HistoryStore) ExtremaForRun(ctx context.Context, key domain.StreamKey, runID string) (domain.ExtremumStack, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT open_time, price, kick_count
		FROM extremum_history
		WHERE run_id = ? AND symbol = ? AND bar_interval = ? AND side = ?
		ORDER BY open_time ASC
	`, runID, key.Symbol, key.Interval.String(), key.Side.String())
	if err != nil {
		return nil, fmt.Errorf("query extremum history: %w", err)
	}
	defer rows.Close()

	return scanExtrema(rows)
}

// LongestLived returns the levels with the largest recorded lifetime for a
// book, longest first.
func (s *HistoryStore) LongestLived(ctx context.Context, key domain.BookKey, limit int) ([]domain.OrderBookLevel, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.conn.Query(ctx, `
		SELECT price, any(quantity), any(tier), min(find_time), max(now_ask), max(life_time) AS lt
		FROM level_history
		WHERE symbol = ? AND side = ? AND life_time IS NOT NULL
		GROUP BY price
		ORDER BY lt DESC, price ASC
		LIMIT ?
	`, key.Symbol, key.Side.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query level history: %w", err)
	}
	defer rows.Close()

	return scanLevels(rows)
}

func scanExtrema(rows driver.Rows) (domain.ExtremumStack, error) {
	var stack domain.ExtremumStack
	for rows.Next() {
		var (
			r    domain.ExtremumRecord
			kick uint32
		)
		if err := rows.Scan(&r.OpenTime, &r.Price, &kick); err != nil {
			return nil, fmt.Errorf("scan extremum row: %w", err)
		}
		r.KickCount = int(kick)
		stack = append(stack, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate extremum rows: %w", err)
	}
	return stack, nil
}

func scanLevels(rows driver.Rows) ([]domain.OrderBookLevel, error) {
	var levels []domain.OrderBookLevel
	for rows.Next() {
		var (
			l    domain.OrderBookLevel
			tier uint8
		)
		if err := rows.Scan(&l.Price, &l.Quantity, &tier, &l.FindTime, &l.NowAsk, &l.LifeTime); err != nil {
			return nil, fmt.Errorf("scan level row: %w", err)
		}
		l.Tier = domain.Tier(tier)
		levels = append(levels, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate level rows: %w", err)
	}
	return levels, nil
}
