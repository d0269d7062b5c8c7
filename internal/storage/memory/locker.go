package memory

import (
	"context"
	"sync"
	"time"

	"market-structure-lab/internal/storage"
)

// Locker is a process-local implementation of storage.Locker.
// The ttl is ignored: a lock lives until released.
type Locker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocker creates a new in-memory locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[string]struct{})}
}

// Compile-time interface check.
var _ storage.Locker = (*Locker)(nil)

// Acquire takes the lock for key or returns ErrLockHeld.
func (l *Locker) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if key == "" {
		return nil, storage.ErrInvalidInput
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, storage.ErrLockHeld
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
