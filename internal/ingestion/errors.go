package ingestion

import (
	"errors"
	"fmt"
)

// ErrSourceUnavailable indicates a market-data source failed or returned
// malformed data. The current cycle is aborted without persisting anything.
var ErrSourceUnavailable = errors.New("source unavailable")

// SourceError describes a failed source call.
// errors.Is matches both ErrSourceUnavailable and the underlying cause.
type SourceError struct {
	Source string // e.g. "binance"
	Op     string // e.g. "klines", "depth"
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Source, e.Op, ErrSourceUnavailable, e.Err)
}

// Unwrap returns the cause and ErrSourceUnavailable.
func (e *SourceError) Unwrap() []error {
	return []error{ErrSourceUnavailable, e.Err}
}

// NewSourceError wraps err as a SourceError. A nil err returns nil.
func NewSourceError(source, op string, err error) error {
	if err == nil {
		return nil
	}
	return &SourceError{Source: source, Op: op, Err: err}
}
