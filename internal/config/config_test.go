package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/extremum"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tracker.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	keys := cfg.StreamKeys()
	require.Len(t, keys, 2)
	assert.Equal(t, domain.StreamKey{Symbol: "BTCUSDT", Interval: "1m", Side: domain.SideHigh}, keys[0])
	assert.Equal(t, domain.SideLow, keys[1].Side)

	books := cfg.BookKeys()
	require.Len(t, books, 1)
	assert.Equal(t, domain.BookKey{Symbol: "BTCUSDT", Side: domain.BookSideAsk}, books[0])
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"

[market]
symbols = ["ethusdt", "solusdt"]
interval = "15m"

[extrema]
window_span = "6h"
high_tolerance = 0.5
low_tolerance = 0.25
low_band_mode = "exact"
confirm_window = 5

[levels]
sides = ["ask", "bid"]
min_quantity = 1.5

[storage]
backend = "pebble"
pebble_path = "/var/lib/msl"

[scheduler]
interval = "30s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, []string{"ethusdt", "solusdt"}, cfg.Market.Symbols)
	assert.Equal(t, 6*time.Hour, cfg.Extrema.WindowSpan.Duration)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval.Duration)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.MaxBackoff.Duration)
	assert.Equal(t, BackendPebble, cfg.Storage.Backend)

	high := cfg.TrackerConfig(domain.SideHigh)
	assert.Equal(t, 0.5, high.Tolerance)
	assert.Equal(t, extremum.BandTolerance, high.BandMode)
	low := cfg.TrackerConfig(domain.SideLow)
	assert.Equal(t, 0.25, low.Tolerance)
	assert.Equal(t, extremum.BandExact, low.BandMode)
	assert.Equal(t, 5, low.ConfirmWindow)

	lc := cfg.LevelConfig(domain.BookSideBid)
	assert.Equal(t, domain.BookSideBid, lc.Side)
	assert.Equal(t, 1.5, lc.MinQuantity)
	assert.Equal(t, 100.0, lc.Tiering.Tier1)

	keys := cfg.StreamKeys()
	require.Len(t, keys, 4)
	assert.Equal(t, "ETHUSDT/15m/high", keys[0].String())
	assert.Len(t, cfg.BookKeys(), 4)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[market]
symbol = "BTCUSDT"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "market.symbol")
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
[extrema]
window_span = "one day"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MSL_MARKET_SYMBOLS", "adausdt, xrpusdt,")
	t.Setenv("MSL_STORAGE_BACKEND", "redis")
	t.Setenv("MSL_REDIS_ADDR", "redis:6380")
	t.Setenv("MSL_EXTREMA_WINDOW_SPAN", "2h")
	t.Setenv("MSL_EXTREMA_HIGH_TOLERANCE", "1.25")
	t.Setenv("MSL_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("MSL_MARKET_USE_DEPTH_STREAM", "true")
	t.Setenv("MSL_MARKET_KLINE_LIMIT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"adausdt", "xrpusdt"}, cfg.Market.Symbols)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Hour, cfg.Extrema.WindowSpan.Duration)
	assert.Equal(t, 1.25, cfg.Extrema.HighTolerance)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Market.UseDepthStream)
	assert.Equal(t, 1000, cfg.Market.KlineLimit, "unparsable override is ignored")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no symbols", func(c *Config) { c.Market.Symbols = nil }, "market.symbols"},
		{"bad interval", func(c *Config) { c.Market.Interval = "7x" }, "market.interval"},
		{"negative tolerance", func(c *Config) { c.Extrema.LowTolerance = -1 }, "tolerance"},
		{"bad band mode", func(c *Config) { c.Extrema.HighBandMode = "fuzzy" }, "band mode"},
		{"zero span", func(c *Config) { c.Extrema.WindowSpan.Duration = 0 }, "window_span"},
		{"bad extremum side", func(c *Config) { c.Extrema.Sides = []string{"up"} }, "extrema.sides"},
		{"bad book side", func(c *Config) { c.Levels.Sides = []string{"mid"} }, "levels.sides"},
		{"unordered tiers", func(c *Config) { c.Levels.Tier2 = 500 }, "tier"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "sqlite" }, "unknown backend"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }, "postgres_dsn"},
		{"kafka without topic", func(c *Config) { c.Kafka.Brokers = []string{"k:9092"}; c.Kafka.Topic = "" }, "kafka.topic"},
		{"stream levels", func(c *Config) { c.Market.UseDepthStream = true; c.Market.StreamLevels = 50 }, "stream_levels"},
		{"zero interval", func(c *Config) { c.Scheduler.Interval.Duration = 0 }, "scheduler.interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
