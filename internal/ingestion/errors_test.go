package ingestion

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSourceError_Matching(t *testing.T) {
	cause := context.DeadlineExceeded
	err := fmt.Errorf("fetch: %w", NewSourceError("binance", "klines", cause))

	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var se *SourceError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, "binance", se.Source)
	assert.Contains(t, err.Error(), "binance klines")

	assert.NoError(t, NewSourceError("binance", "depth", nil))
}
