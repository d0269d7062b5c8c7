package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/storage"
)

// LevelStateStore is a PostgreSQL implementation of storage.LevelStateStore.
// Uses two tables:
//   - level_states: one row per book side with the last snapshot time
//   - order_book_levels: the tracked levels keyed by price
type LevelStateStore struct {
	pool *Pool
}

// NewLevelStateStore creates a new PostgreSQL level state store.
func NewLevelStateStore(pool *Pool) *LevelStateStore {
	return &LevelStateStore{pool: pool}
}

// Compile-time interface check.
var _ storage.LevelStateStore = (*LevelStateStore)(nil)

// Load reads the level state at one point in time.
func (s *LevelStateStore) Load(ctx context.Context, key domain.BookKey) (*domain.LevelState, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	state := &domain.LevelState{Levels: domain.LevelStore{}}
	err = tx.QueryRow(ctx, `
		SELECT snapshot_time, updated_at
		FROM level_states
		WHERE symbol = $1 AND side = $2
	`, key.Symbol, key.Side.String()).Scan(&state.SnapshotTime, &state.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get level state: %w", err)
	}
	state.UpdatedAt = state.UpdatedAt.UTC()

	rows, err := tx.Query(ctx, `
		SELECT price, quantity, tier, find_time, now_ask, life_time
		FROM order_book_levels
		WHERE symbol = $1 AND side = $2
		ORDER BY price ASC
	`, key.Symbol, key.Side.String())
	if err != nil {
		return nil, fmt.Errorf("get order book levels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l    domain.OrderBookLevel
			tier int16
		)
		if err := rows.Scan(&l.Price, &l.Quantity, &tier, &l.FindTime, &l.NowAsk, &l.LifeTime); err != nil {
			return nil, fmt.Errorf("%w: scan level row: %v", storage.ErrStateCorrupt, err)
		}
		l.Tier = domain.Tier(tier)
		state.Levels[l.Price] = l
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate level rows: %w", err)
	}

	if err := state.Levels.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStateCorrupt, err)
	}
	return state, nil
}

// Save replaces the level state in one transaction. Levels are bulk loaded
// with COPY.
func (s *LevelStateStore) Save(ctx context.Context, key domain.BookKey, state *domain.LevelState) error {
	if state == nil || key.Symbol == "" {
		return storage.ErrInvalidInput
	}
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO level_states (symbol, side, snapshot_time, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (symbol, side) DO UPDATE
		SET snapshot_time = EXCLUDED.snapshot_time,
		    updated_at = EXCLUDED.updated_at
	`, key.Symbol, key.Side.String(), state.SnapshotTime, updatedAt)
	if err != nil {
		return fmt.Errorf("upsert level state: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM order_book_levels WHERE symbol = $1 AND side = $2`, key.Symbol, key.Side.String()); err != nil {
		return fmt.Errorf("clear order book levels: %w", err)
	}

	levels := state.Levels.Sorted()
	if len(levels) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"order_book_levels"},
			[]string{"symbol", "side", "price", "quantity", "tier", "find_time", "now_ask", "life_time"},
			pgx.CopyFromSlice(len(levels), func(i int) ([]any, error) {
				l := levels[i]
				return []any{key.Symbol, key.Side.String(), l.Price, l.Quantity, int16(l.Tier), l.FindTime, l.NowAsk, l.LifeTime}, nil
			}),
		)
		if err != nil {
			if isCheckViolation(err) {
				return storage.ErrInvalidInput
			}
			return fmt.Errorf("copy order book levels: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
