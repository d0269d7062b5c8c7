package domain

import (
	"fmt"
	"strconv"
	"time"
)

// Bar is one candle of the polled market-data feed.
// Bars are ordered ascending by OpenTime and immutable once read.
type Bar struct {
	OpenTime  int64   // Unix timestamp in milliseconds
	HighPrice float64 // highest traded price in the bar
	LowPrice  float64 // lowest traded price in the bar

	// Optional kline fields, zero when the source does not provide them.
	OpenPrice  float64
	ClosePrice float64
	Volume     float64
	CloseTime  int64 // Unix timestamp in milliseconds
}

// Interval is a bar interval in exchange notation ("1m", "15m", "4h", "1d").
type Interval string

// Duration returns the length of one bar of this interval.
func (i Interval) Duration() (time.Duration, error) {
	s := string(i)
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}

	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}

	switch s[len(s)-1] {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid interval %q", s)
	}
}

// Millis returns the bar duration in milliseconds.
func (i Interval) Millis() (int64, error) {
	d, err := i.Duration()
	if err != nil {
		return 0, err
	}
	return d.Milliseconds(), nil
}

// String returns the string representation of Interval.
func (i Interval) String() string {
	return string(i)
}
