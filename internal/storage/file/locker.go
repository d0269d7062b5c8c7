package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"market-structure-lab/internal/storage"
)

// Locker guards state with lock files created with O_EXCL. A lock file older
// than its ttl is considered abandoned and may be taken over.
type Locker struct {
	dir *Dir
	now func() time.Time
}

// NewLocker creates a lock-file locker in dir.
func NewLocker(dir *Dir) *Locker {
	return &Locker{dir: dir, now: time.Now}
}

// Compile-time interface check.
var _ storage.Locker = (*Locker)(nil)

// Acquire creates the lock file for key or returns ErrLockHeld.
func (l *Locker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	if key == "" {
		return nil, storage.ErrInvalidInput
	}
	path := filepath.Join(l.dir.path, ".lock-"+sanitize(key))
	token := uuid.NewString()

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(token)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
			}
			return func() { l.release(path, token) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		info, statErr := os.Stat(path)
		if statErr != nil || ttl <= 0 || l.now().Sub(info.ModTime()) < ttl {
			return nil, storage.ErrLockHeld
		}
		// Stale: remove and retry once.
		_ = os.Remove(path)
	}
	return nil, storage.ErrLockHeld
}

// release removes the lock file only if it still carries our token.
func (l *Locker) release(path, token string) {
	data, err := os.ReadFile(path)
	if err != nil || string(data) != token {
		return
	}
	_ = os.Remove(path)
}

func sanitize(key string) string {
	out := []rune(key)
	for i, r := range out {
		switch r {
		case '/', '\\', ':', ' ':
			out[i] = '-'
		}
	}
	return string(out)
}
