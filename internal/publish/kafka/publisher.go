// Package kafka publishes committed tracker state as Kafka events so that
// downstream consumers can follow extrema and level changes.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/storage"
)

// Event types.
const (
	EventExtrema = "extrema.committed"
	EventLevels  = "levels.committed"
)

// MessageWriter is the subset of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures the underlying kafka.Writer.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// Event is the JSON envelope of every message. State holds the same
// document the key-value backends persist.
type Event struct {
	Type       string          `json:"type"`
	Key        string          `json:"key"`
	RunID      string          `json:"run_id"`
	RecordedAt time.Time       `json:"recorded_at"`
	State      json.RawMessage `json:"state"`
}

// Publisher implements storage.HistorySink on a Kafka topic. Messages are
// keyed by stream or book so one tracker's events stay ordered in a partition.
type Publisher struct {
	w   MessageWriter
	now func() time.Time
}

// NewPublisher creates a publisher with a kafka.Writer that waits for all
// in-sync replicas.
func NewPublisher(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: brokers and topic are required")
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}

	return NewPublisherWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: batchTimeout,
	}), nil
}

// NewPublisherWithWriter wraps an existing writer.
func NewPublisherWithWriter(w MessageWriter) *Publisher {
	return &Publisher{w: w, now: time.Now}
}

// Compile-time interface check.
var _ storage.HistorySink = (*Publisher)(nil)

// RecordExtrema publishes cp as an extrema.committed event.
func (p *Publisher) RecordExtrema(ctx context.Context, key domain.StreamKey, runID string, cp *domain.ExtremumCheckpoint) error {
	state, err := storage.EncodeCheckpoint(cp)
	if err != nil {
		return fmt.Errorf("kafka: encode checkpoint: %w", err)
	}
	return p.publish(ctx, EventExtrema, key.String(), runID, state)
}

// RecordLevels publishes state as a levels.committed event.
func (p *Publisher) RecordLevels(ctx context.Context, key domain.BookKey, runID string, state *domain.LevelState) error {
	data, err := storage.EncodeLevelState(state)
	if err != nil {
		return fmt.Errorf("kafka: encode level state: %w", err)
	}
	return p.publish(ctx, EventLevels, key.String(), runID, data)
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}

func (p *Publisher) publish(ctx context.Context, typ, key, runID string, state []byte) error {
	value, err := json.Marshal(Event{
		Type:       typ,
		Key:        key,
		RunID:      runID,
		RecordedAt: p.now().UTC(),
		State:      state,
	})
	if err != nil {
		return fmt.Errorf("kafka: marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(typ)},
			{Key: "run_id", Value: []byte(runID)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write %s: %w", typ, err)
	}
	return nil
}
