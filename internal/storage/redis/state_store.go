package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/storage"
)

// Key schema:
//
//	{prefix}:extrema:{SYMBOL/interval/side}  - JSON checkpoint
//	{prefix}:extrema:index                   - set of stream keys
//	{prefix}:levels:{SYMBOL/side}            - JSON level state
//	{prefix}:levels:index                    - set of book keys
//
// Each save runs in one MULTI/EXEC transaction.

// ExtremumStore is a Redis implementation of storage.ExtremumStore.
type ExtremumStore struct {
	c *Client
}

// NewExtremumStore creates a new Redis extremum store.
func NewExtremumStore(c *Client) *ExtremumStore {
	return &ExtremumStore{c: c}
}

// Compile-time interface check.
var _ storage.ExtremumStore = (*ExtremumStore)(nil)

// Load returns the current checkpoint.
func (s *ExtremumStore) Load(ctx context.Context, key domain.StreamKey) (*domain.ExtremumCheckpoint, error) {
	data, err := s.c.get(ctx, s.c.key("extrema", key.String()))
	if err != nil {
		return nil, err
	}
	return storage.DecodeCheckpoint(data)
}

// Save replaces the checkpoint.
func (s *ExtremumStore) Save(ctx context.Context, key domain.StreamKey, cp *domain.ExtremumCheckpoint) error {
	if key.Symbol == "" {
		return storage.ErrInvalidInput
	}
	data, err := storage.EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	return s.c.put(ctx, s.c.key("extrema", key.String()), s.c.key("extrema", "index"), key.String(), data)
}

// Keys lists every stream with a saved checkpoint, sorted.
func (s *ExtremumStore) Keys(ctx context.Context) ([]domain.StreamKey, error) {
	members, err := s.c.rdb.SMembers(ctx, s.c.key("extrema", "index")).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list streams: %w", err)
	}
	sort.Strings(members)

	keys := make([]domain.StreamKey, 0, len(members))
	for _, m := range members {
		parts := strings.Split(m, "/")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: bad stream key %q", storage.ErrStateCorrupt, m)
		}
		keys = append(keys, domain.StreamKey{Symbol: parts[0], Interval: domain.Interval(parts[1]), Side: domain.Side(parts[2])})
	}
	return keys, nil
}

// LevelStateStore is a Redis implementation of storage.LevelStateStore.
type LevelStateStore struct {
	c *Client
}

// NewLevelStateStore creates a new Redis level state store.
func NewLevelStateStore(c *Client) *LevelStateStore {
	return &LevelStateStore{c: c}
}

// Compile-time interface check.
var _ storage.LevelStateStore = (*LevelStateStore)(nil)

// Load returns the current level state.
func (s *LevelStateStore) Load(ctx context.Context, key domain.BookKey) (*domain.LevelState, error) {
	data, err := s.c.get(ctx, s.c.key("levels", key.String()))
	if err != nil {
		return nil, err
	}
	return storage.DecodeLevelState(data)
}

// Save replaces the level state.
func (s *LevelStateStore) Save(ctx context.Context, key domain.BookKey, state *domain.LevelState) error {
	if key.Symbol == "" {
		return storage.ErrInvalidInput
	}
	data, err := storage.EncodeLevelState(state)
	if err != nil {
		return err
	}
	return s.c.put(ctx, s.c.key("levels", key.String()), s.c.key("levels", "index"), key.String(), data)
}

func (c *Client) get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return data, nil
}

func (c *Client) put(ctx context.Context, key, index, member string, data []byte) error {
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, index, member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save %s: %w", key, err)
	}
	return nil
}
