// Package config loads tracker configuration from TOML, .env and MSL_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/extremum"
	"market-structure-lab/internal/levels"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendPebble   = "pebble"
	BackendRedis    = "redis"
)

// Config is the root configuration.
type Config struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	Market     MarketConfig     `toml:"market"`
	Extrema    ExtremaConfig    `toml:"extrema"`
	Levels     LevelsConfig     `toml:"levels"`
	Storage    StorageConfig    `toml:"storage"`
	Redis      RedisConfig      `toml:"redis"`
	ClickHouse ClickHouseConfig `toml:"clickhouse"`
	S3         S3Config         `toml:"s3"`
	Kafka      KafkaConfig      `toml:"kafka"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// MarketConfig selects the exchange endpoints and tracked symbols.
type MarketConfig struct {
	BaseURL           string   `toml:"base_url"`
	StreamURL         string   `toml:"stream_url"`
	APIKey            string   `toml:"api_key"`
	Symbols           []string `toml:"symbols"`
	Interval          string   `toml:"interval"`
	KlineLimit        int      `toml:"kline_limit"`
	DepthLimit        int      `toml:"depth_limit"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	UseDepthStream    bool     `toml:"use_depth_stream"`
	StreamLevels      int      `toml:"stream_levels"`
}

// ExtremaConfig parametrizes the extremum trackers.
type ExtremaConfig struct {
	Sides         []string `toml:"sides"`
	WindowSpan    duration `toml:"window_span"`
	EpochStart    int64    `toml:"epoch_start"` // ms; 0 starts one span before now
	HighTolerance float64  `toml:"high_tolerance"`
	LowTolerance  float64  `toml:"low_tolerance"`
	ConfirmWindow int      `toml:"confirm_window"`
	HighBandMode  string   `toml:"high_band_mode"`
	LowBandMode   string   `toml:"low_band_mode"`
	CarryLookback bool     `toml:"carry_lookback"`
}

// LevelsConfig parametrizes the level lifetime trackers.
type LevelsConfig struct {
	Sides       []string `toml:"sides"`
	MinQuantity float64  `toml:"min_quantity"`
	Tier1       float64  `toml:"tier1"`
	Tier2       float64  `toml:"tier2"`
	Tier3       float64  `toml:"tier3"`
}

// StorageConfig selects the state backend.
type StorageConfig struct {
	Backend     string `toml:"backend"`
	Dir         string `toml:"dir"`
	PostgresDSN string `toml:"postgres_dsn"`
	PebblePath  string `toml:"pebble_path"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// ClickHouseConfig enables the history sink when DSN is set.
type ClickHouseConfig struct {
	DSN      string `toml:"dsn"`
	Database string `toml:"database"`
}

// S3Config enables the state archive when Bucket is set.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// KafkaConfig enables the event publisher when Brokers is set.
type KafkaConfig struct {
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"`
	BatchTimeout duration `toml:"batch_timeout"`
}

// SchedulerConfig controls daemon mode.
type SchedulerConfig struct {
	Interval   duration `toml:"interval"`
	Jitter     duration `toml:"jitter"`
	RetryDelay duration `toml:"retry_delay"`
	MaxBackoff duration `toml:"max_backoff"`
}

// MetricsConfig controls the metrics endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr      string `toml:"addr"`
	Namespace string `toml:"namespace"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "24h").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Market: MarketConfig{
			BaseURL:           "https://api.binance.com",
			StreamURL:         "wss://stream.binance.com:9443",
			Symbols:           []string{"BTCUSDT"},
			Interval:          "1m",
			KlineLimit:        1000,
			DepthLimit:        5000,
			RequestsPerSecond: 10,
			StreamLevels:      20,
		},
		Extrema: ExtremaConfig{
			Sides:         []string{string(domain.SideHigh), string(domain.SideLow)},
			WindowSpan:    duration{24 * time.Hour},
			ConfirmWindow: 3,
			HighBandMode:  string(extremum.BandTolerance),
			LowBandMode:   string(extremum.BandTolerance),
			CarryLookback: true,
		},
		Levels: LevelsConfig{
			Sides: []string{string(domain.BookSideAsk)},
			Tier1: 100,
			Tier2: 50,
			Tier3: 10,
		},
		Storage: StorageConfig{
			Backend:    BackendFile,
			Dir:        "data",
			PebblePath: "data/pebble",
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			KeyPrefix:  "msl",
		},
		ClickHouse: ClickHouseConfig{
			Database: "default",
		},
		S3: S3Config{
			Region: "us-east-1",
			Prefix: "state",
		},
		Kafka: KafkaConfig{
			Topic:        "market-structure",
			BatchTimeout: duration{50 * time.Millisecond},
		},
		Scheduler: SchedulerConfig{
			Interval:   duration{time.Minute},
			Jitter:     duration{5 * time.Second},
			RetryDelay: duration{5 * time.Second},
			MaxBackoff: duration{5 * time.Minute},
		},
		Metrics: MetricsConfig{
			Namespace: "market_structure_lab",
		},
	}
}

// Validate rejects configurations no component could run with.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Market.Symbols) == 0 {
		errs = append(errs, "market.symbols must not be empty")
	}
	for _, s := range c.Market.Symbols {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, "market.symbols contains an empty symbol")
			break
		}
	}
	if _, err := domain.Interval(c.Market.Interval).Millis(); err != nil {
		errs = append(errs, fmt.Sprintf("market.interval: %v", err))
	}
	if c.Market.KlineLimit < 0 {
		errs = append(errs, "market.kline_limit must be >= 0")
	}
	if c.Market.DepthLimit < 0 {
		errs = append(errs, "market.depth_limit must be >= 0")
	}
	if c.Market.RequestsPerSecond < 0 {
		errs = append(errs, "market.requests_per_second must be >= 0")
	}
	if c.Market.UseDepthStream {
		switch c.Market.StreamLevels {
		case 5, 10, 20:
		default:
			errs = append(errs, "market.stream_levels must be 5, 10 or 20")
		}
	}

	if c.Extrema.WindowSpan.Duration <= 0 {
		errs = append(errs, "extrema.window_span must be positive")
	}
	if c.Extrema.EpochStart < 0 {
		errs = append(errs, "extrema.epoch_start must be >= 0")
	}
	for _, s := range c.Extrema.Sides {
		side := domain.Side(s)
		if !side.IsValid() {
			errs = append(errs, fmt.Sprintf("extrema.sides: invalid side %q", s))
			continue
		}
		if err := c.TrackerConfig(side).Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("extrema %s: %v", s, err))
		}
	}

	for _, s := range c.Levels.Sides {
		side := domain.BookSide(s)
		if !side.IsValid() {
			errs = append(errs, fmt.Sprintf("levels.sides: invalid side %q", s))
			continue
		}
		if err := c.LevelConfig(side).Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("levels %s: %v", s, err))
		}
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Storage.Dir == "" {
			errs = append(errs, "storage.dir is required for the file backend")
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, "storage.postgres_dsn is required for the postgres backend")
		}
	case BackendPebble:
		if c.Storage.PebblePath == "" {
			errs = append(errs, "storage.pebble_path is required for the pebble backend")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required for the redis backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend: unknown backend %q", c.Storage.Backend))
	}

	if c.S3.Bucket != "" && c.S3.Region == "" {
		errs = append(errs, "s3.region is required when s3.bucket is set")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, "kafka.topic is required when kafka.brokers is set")
	}

	if c.Scheduler.Interval.Duration <= 0 {
		errs = append(errs, "scheduler.interval must be positive")
	}
	if c.Scheduler.Jitter.Duration < 0 || c.Scheduler.RetryDelay.Duration < 0 || c.Scheduler.MaxBackoff.Duration < 0 {
		errs = append(errs, "scheduler durations must be >= 0")
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// StreamKeys returns one extremum stream per symbol and configured side.
func (c *Config) StreamKeys() []domain.StreamKey {
	keys := make([]domain.StreamKey, 0, len(c.Market.Symbols)*len(c.Extrema.Sides))
	for _, sym := range c.Market.Symbols {
		for _, side := range c.Extrema.Sides {
			keys = append(keys, domain.StreamKey{
				Symbol:   strings.ToUpper(sym),
				Interval: domain.Interval(c.Market.Interval),
				Side:     domain.Side(side),
			})
		}
	}
	return keys
}

// BookKeys returns one level tracker per symbol and configured book side.
func (c *Config) BookKeys() []domain.BookKey {
	keys := make([]domain.BookKey, 0, len(c.Market.Symbols)*len(c.Levels.Sides))
	for _, sym := range c.Market.Symbols {
		for _, side := range c.Levels.Sides {
			keys = append(keys, domain.BookKey{
				Symbol: strings.ToUpper(sym),
				Side:   domain.BookSide(side),
			})
		}
	}
	return keys
}

// TrackerConfig returns the extremum tracker parameters for side.
func (c *Config) TrackerConfig(side domain.Side) extremum.Config {
	cfg := extremum.Config{
		Side:          side,
		ConfirmWindow: c.Extrema.ConfirmWindow,
	}
	if side == domain.SideLow {
		cfg.Tolerance = c.Extrema.LowTolerance
		cfg.BandMode = extremum.BandMode(c.Extrema.LowBandMode)
	} else {
		cfg.Tolerance = c.Extrema.HighTolerance
		cfg.BandMode = extremum.BandMode(c.Extrema.HighBandMode)
	}
	return cfg
}

// LevelConfig returns the level tracker parameters for side.
func (c *Config) LevelConfig(side domain.BookSide) levels.Config {
	return levels.Config{
		Side: side,
		Tiering: levels.Tiering{
			Tier1: c.Levels.Tier1,
			Tier2: c.Levels.Tier2,
			Tier3: c.Levels.Tier3,
		},
		MinQuantity: c.Levels.MinQuantity,
	}
}
