package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	s3blob "market-structure-lab/internal/blob/s3"
	"market-structure-lab/internal/config"
	kafkapub "market-structure-lab/internal/publish/kafka"
	"market-structure-lab/internal/storage"
	chstore "market-structure-lab/internal/storage/clickhouse"
	"market-structure-lab/internal/storage/file"
	"market-structure-lab/internal/storage/memory"
	pebblestore "market-structure-lab/internal/storage/pebble"
	pgstore "market-structure-lab/internal/storage/postgres"
	redisstore "market-structure-lab/internal/storage/redis"
)

// OpenBackend connects the state backend selected by cfg.Storage.Backend.
// The caller must call Backend.Close.
func OpenBackend(ctx context.Context, cfg *config.Config) (*storage.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return &storage.Backend{
			Extrema: memory.NewExtremumStore(),
			Levels:  memory.NewLevelStateStore(),
			Locker:  memory.NewLocker(),
			Close:   func() error { return nil },
		}, nil

	case config.BackendFile:
		dir, err := file.Open(cfg.Storage.Dir)
		if err != nil {
			return nil, err
		}
		return &storage.Backend{
			Extrema: file.NewExtremumStore(dir),
			Levels:  file.NewLevelStateStore(dir),
			Locker:  file.NewLocker(dir),
			Close:   func() error { return nil },
		}, nil

	case config.BackendPostgres:
		pool, err := pgstore.NewPoolWithOptions(ctx, cfg.Storage.PostgresDSN, pgstore.PoolOptions{
			MaxConns:         int32(len(cfg.StreamKeys()) + len(cfg.BookKeys()) + 1),
			StatementTimeout: 30 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return &storage.Backend{
			Extrema: pgstore.NewExtremumStore(pool),
			Levels:  pgstore.NewLevelStateStore(pool),
			Locker:  pgstore.NewLocker(pool),
			Close: func() error {
				pool.Close()
				return nil
			},
		}, nil

	case config.BackendPebble:
		db, err := pebblestore.Open(cfg.Storage.PebblePath)
		if err != nil {
			return nil, err
		}
		// Pebble holds an exclusive directory lock, so one process owns the state.
		return &storage.Backend{
			Extrema: pebblestore.NewExtremumStore(db),
			Levels:  pebblestore.NewLevelStateStore(db),
			Close:   db.Close,
		}, nil

	case config.BackendRedis:
		client, err := redisstore.New(ctx, redisstore.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return &storage.Backend{
			Extrema: redisstore.NewExtremumStore(client),
			Levels:  redisstore.NewLevelStateStore(client),
			Locker:  redisstore.NewLockManager(client),
			Close:   client.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q: %w", cfg.Storage.Backend, storage.ErrInvalidInput)
	}
}

// Sinks is the post-commit fan-out built from configuration.
type Sinks struct {
	Sink   storage.HistorySink // nil when no sink is configured
	closer []func() error
}

// Close releases every sink connection.
func (s *Sinks) Close() error {
	var errs []error
	for _, c := range s.closer {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenSinks connects the history sinks enabled in cfg: ClickHouse when a
// DSN is set, S3 when a bucket is set, Kafka when brokers are set.
func OpenSinks(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*Sinks, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	sinks := &Sinks{}
	var multi storage.MultiSink

	fail := func(err error) (*Sinks, error) {
		_ = sinks.Close()
		return nil, err
	}

	if cfg.ClickHouse.DSN != "" {
		conn, err := chstore.NewConnWithDatabase(ctx, cfg.ClickHouse.DSN, cfg.ClickHouse.Database)
		if err != nil {
			return fail(err)
		}
		multi = append(multi, chstore.NewHistoryStore(conn))
		sinks.closer = append(sinks.closer, conn.Close)
		logger.WithField("sink", "clickhouse").Info("history sink enabled")
	}

	if cfg.S3.Bucket != "" {
		client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(err)
		}
		multi = append(multi, s3blob.NewArchiver(client, cfg.S3.Prefix))
		logger.WithFields(logrus.Fields{"sink": "s3", "bucket": cfg.S3.Bucket}).Info("history sink enabled")
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := kafkapub.NewPublisher(kafkapub.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout.Duration,
		})
		if err != nil {
			return fail(err)
		}
		multi = append(multi, pub)
		sinks.closer = append(sinks.closer, pub.Close)
		logger.WithFields(logrus.Fields{"sink": "kafka", "topic": cfg.Kafka.Topic}).Info("history sink enabled")
	}

	if len(multi) > 0 {
		sinks.Sink = multi
	}
	return sinks, nil
}
