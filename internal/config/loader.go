package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MSL_"

// Load reads the TOML file at path over the built-in defaults, loads .env if
// present and applies MSL_* environment overrides. An empty path skips the
// file. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	_ = godotenv.Load() // .env is optional

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose MSL_* variable is set, so
// secrets and deploy-specific endpoints stay out of the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setStr(&cfg.LogFormat, "LOG_FORMAT")

	setStr(&cfg.Market.BaseURL, "MARKET_BASE_URL")
	setStr(&cfg.Market.StreamURL, "MARKET_STREAM_URL")
	setStr(&cfg.Market.APIKey, "MARKET_API_KEY")
	setStringSlice(&cfg.Market.Symbols, "MARKET_SYMBOLS")
	setStr(&cfg.Market.Interval, "MARKET_INTERVAL")
	setInt(&cfg.Market.KlineLimit, "MARKET_KLINE_LIMIT")
	setInt(&cfg.Market.DepthLimit, "MARKET_DEPTH_LIMIT")
	setFloat64(&cfg.Market.RequestsPerSecond, "MARKET_REQUESTS_PER_SECOND")
	setBool(&cfg.Market.UseDepthStream, "MARKET_USE_DEPTH_STREAM")

	setStringSlice(&cfg.Extrema.Sides, "EXTREMA_SIDES")
	setDuration(&cfg.Extrema.WindowSpan, "EXTREMA_WINDOW_SPAN")
	setInt64(&cfg.Extrema.EpochStart, "EXTREMA_EPOCH_START")
	setFloat64(&cfg.Extrema.HighTolerance, "EXTREMA_HIGH_TOLERANCE")
	setFloat64(&cfg.Extrema.LowTolerance, "EXTREMA_LOW_TOLERANCE")
	setInt(&cfg.Extrema.ConfirmWindow, "EXTREMA_CONFIRM_WINDOW")

	setStringSlice(&cfg.Levels.Sides, "LEVELS_SIDES")
	setFloat64(&cfg.Levels.MinQuantity, "LEVELS_MIN_QUANTITY")

	setStr(&cfg.Storage.Backend, "STORAGE_BACKEND")
	setStr(&cfg.Storage.Dir, "STORAGE_DIR")
	setStr(&cfg.Storage.PostgresDSN, "STORAGE_POSTGRES_DSN")
	setStr(&cfg.Storage.PebblePath, "STORAGE_PEBBLE_PATH")

	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")

	setStr(&cfg.ClickHouse.DSN, "CLICKHOUSE_DSN")
	setStr(&cfg.ClickHouse.Database, "CLICKHOUSE_DATABASE")

	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	setStringSlice(&cfg.Kafka.Brokers, "KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "KAFKA_TOPIC")

	setDuration(&cfg.Scheduler.Interval, "SCHEDULER_INTERVAL")
	setDuration(&cfg.Scheduler.Jitter, "SCHEDULER_JITTER")

	setStr(&cfg.Metrics.Addr, "METRICS_ADDR")
}

// Typed env helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func getenv(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func setStr(dst *string, key string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
