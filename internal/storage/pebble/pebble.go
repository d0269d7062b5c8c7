// Package pebble stores tracker state in an embedded Pebble key-value store.
// Each save writes the new state and moves the previous one to a backup key
// in a single synced batch.
package pebble

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/storage"
)

// Key prefixes.
const (
	prefixExtrema     = "extrema/"
	prefixExtremaPrev = "extrema-prev/"
	prefixLevels      = "levels/"
	prefixLevelsPrev  = "levels-prev/"
)

// DB wraps a pebble database shared by the stores.
type DB struct {
	db *pebble.DB
}

// Open opens (or creates) the database in dir.
func Open(dir string) (*DB, error) {
	if dir == "" {
		return nil, fmt.Errorf("pebble dir: %w", storage.ErrInvalidInput)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// get returns a copy of the value at key, or ErrNotFound.
func (d *DB) get(key []byte) ([]byte, error) {
	val, closer, err := d.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("pebble get %s: %w", key, err)
	}
	defer closer.Close()

	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// replace writes val at key and moves the old value to backup, atomically.
func (d *DB) replace(key, backup, val []byte) error {
	old, err := d.get(key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	b := d.db.NewBatch()
	defer b.Close()

	if old != nil {
		if err := b.Set(backup, old, nil); err != nil {
			return fmt.Errorf("batch set backup: %w", err)
		}
	}
	if err := b.Set(key, val, nil); err != nil {
		return fmt.Errorf("batch set: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// scanKeys returns the suffixes of every key under prefix.
func (d *DB) scanKeys(prefix string) ([]string, error) {
	iter, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()[len(prefix):]))
	}
	return keys, iter.Error()
}

func streamKey(prefix string, k domain.StreamKey) []byte {
	return []byte(prefix + k.String())
}

func bookKey(prefix string, k domain.BookKey) []byte {
	return []byte(prefix + k.String())
}
