package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/storage"
)

// ExtremumStore is a PostgreSQL implementation of storage.ExtremumStore.
// Uses three tables:
//   - extremum_checkpoints: one row per stream with the cursor
//   - extremum_records: the stack, one row per extremum
//   - extremum_lookback: trailing bars before the cursor
type ExtremumStore struct {
	pool *Pool
}

// NewExtremumStore creates a new PostgreSQL extremum store.
func NewExtremumStore(pool *Pool) *ExtremumStore {
	return &ExtremumStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ExtremumStore = (*ExtremumStore)(nil)

// Load reads the checkpoint inside a repeatable-read transaction so the
// three tables are seen at one point in time.
func (s *ExtremumStore) Load(ctx context.Context, key domain.StreamKey) (*domain.ExtremumCheckpoint, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cp := &domain.ExtremumCheckpoint{Stack: domain.ExtremumStack{}}
	err = tx.QueryRow(ctx, `
		SELECT next_start, updated_at
		FROM extremum_checkpoints
		WHERE symbol = $1 AND bar_interval = $2 AND side = $3
	`, key.Symbol, key.Interval.String(), key.Side.String()).Scan(&cp.NextStart, &cp.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get extremum checkpoint: %w", err)
	}
	cp.UpdatedAt = cp.UpdatedAt.UTC()

	rows, err := tx.Query(ctx, `
		SELECT open_time, price, kick_count
		FROM extremum_records
		WHERE symbol = $1 AND bar_interval = $2 AND side = $3
		ORDER BY open_time ASC
	`, key.Symbol, key.Interval.String(), key.Side.String())
	if err != nil {
		return nil, fmt.Errorf("get extremum records: %w", err)
	}
	for rows.Next() {
		var r domain.ExtremumRecord
		if err := rows.Scan(&r.OpenTime, &r.Price, &r.KickCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan extremum row: %v", storage.ErrStateCorrupt, err)
		}
		cp.Stack = append(cp.Stack, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate extremum rows: %w", err)
	}

	rows, err = tx.Query(ctx, `
		SELECT open_time, high_price, low_price
		FROM extremum_lookback
		WHERE symbol = $1 AND bar_interval = $2 AND side = $3
		ORDER BY open_time ASC
	`, key.Symbol, key.Interval.String(), key.Side.String())
	if err != nil {
		return nil, fmt.Errorf("get lookback bars: %w", err)
	}
	for rows.Next() {
		var b domain.Bar
		if err := rows.Scan(&b.OpenTime, &b.HighPrice, &b.LowPrice); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan lookback row: %v", storage.ErrStateCorrupt, err)
		}
		cp.Lookback = append(cp.Lookback, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lookback rows: %w", err)
	}

	if err := cp.Stack.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStateCorrupt, err)
	}
	return cp, nil
}

// Save replaces cursor, stack and look-back in one transaction.
func (s *ExtremumStore) Save(ctx context.Context, key domain.StreamKey, cp *domain.ExtremumCheckpoint) error {
	if cp == nil || key.Symbol == "" {
		return storage.ErrInvalidInput
	}
	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	args := []any{key.Symbol, key.Interval.String(), key.Side.String()}

	_, err = tx.Exec(ctx, `
		INSERT INTO extremum_checkpoints (symbol, bar_interval, side, next_start, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (symbol, bar_interval, side) DO UPDATE
		SET next_start = EXCLUDED.next_start,
		    updated_at = EXCLUDED.updated_at
	`, append(args, cp.NextStart, updatedAt)...)
	if err != nil {
		return fmt.Errorf("upsert extremum checkpoint: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM extremum_records WHERE symbol = $1 AND bar_interval = $2 AND side = $3`, args...); err != nil {
		return fmt.Errorf("clear extremum records: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM extremum_lookback WHERE symbol = $1 AND bar_interval = $2 AND side = $3`, args...); err != nil {
		return fmt.Errorf("clear lookback bars: %w", err)
	}

	batch := &pgx.Batch{}
	for _, r := range cp.Stack {
		batch.Queue(`
			INSERT INTO extremum_records (symbol, bar_interval, side, open_time, price, kick_count)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, key.Symbol, key.Interval.String(), key.Side.String(), r.OpenTime, r.Price, r.KickCount)
	}
	for _, b := range cp.Lookback {
		batch.Queue(`
			INSERT INTO extremum_lookback (symbol, bar_interval, side, open_time, high_price, low_price)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, key.Symbol, key.Interval.String(), key.Side.String(), b.OpenTime, b.HighPrice, b.LowPrice)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			if isCheckViolation(err) {
				return storage.ErrInvalidInput
			}
			return fmt.Errorf("insert extremum rows: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Keys lists every stream with a saved checkpoint.
func (s *ExtremumStore) Keys(ctx context.Context) ([]domain.StreamKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, bar_interval, side
		FROM extremum_checkpoints
		ORDER BY symbol, bar_interval, side
	`)
	if err != nil {
		return nil, fmt.Errorf("list extremum streams: %w", err)
	}
	defer rows.Close()

	var keys []domain.StreamKey
	for rows.Next() {
		var symbol, interval, side string
		if err := rows.Scan(&symbol, &interval, &side); err != nil {
			return nil, fmt.Errorf("scan stream key: %w", err)
		}
		keys = append(keys, domain.StreamKey{Symbol: symbol, Interval: domain.Interval(interval), Side: domain.Side(side)})
	}
	return keys, rows.Err()
}
