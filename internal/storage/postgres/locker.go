package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"market-structure-lab/internal/storage"
)

// Locker uses session-level advisory locks. The lock lives on a dedicated
// pooled connection until released, so ttl is ignored: a crashed holder's
// session ends and Postgres frees the lock.
type Locker struct {
	pool *Pool
}

// NewLocker creates an advisory-lock locker.
func NewLocker(pool *Pool) *Locker {
	return &Locker{pool: pool}
}

// Compile-time interface check.
var _ storage.Locker = (*Locker)(nil)

// Acquire takes the advisory lock for key or returns ErrLockHeld.
func (l *Locker) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	if key == "" {
		return nil, storage.ErrInvalidInput
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, storage.ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key)
			conn.Release()
		})
	}, nil
}
