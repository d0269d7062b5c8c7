package storage

import "errors"

// Storage errors shared by every state backend.
var (
	// ErrNotFound is returned when no state has been persisted for a key yet.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStateCorrupt is returned when persisted state cannot be decoded into
	// the expected shape. Callers must not treat it as empty state.
	ErrStateCorrupt = errors.New("persisted state is corrupt")

	// ErrLockHeld is returned when another writer owns the state lock.
	ErrLockHeld = errors.New("state lock held by another writer")
)
