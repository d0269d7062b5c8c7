package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/ingestion"
)

// DefaultStreamURL is the public market-data websocket endpoint.
const DefaultStreamURL = "wss://stream.binance.com:9443"

// StreamConfig configures DepthStream behavior.
type StreamConfig struct {
	// Levels is the partial book depth: 5, 10 or 20.
	Levels int
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
}

// DefaultStreamConfig returns default stream configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Levels:            20,
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		ReadTimeout:       30 * time.Second,
	}
}

// DepthStream keeps the latest partial-depth snapshot for each subscribed
// symbol from a combined stream. Implements ingestion.SnapshotSource.
type DepthStream struct {
	endpoint string
	config   StreamConfig
	symbols  map[string]bool

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	latest   map[string]*domain.OrderBookSnapshot
	latestMu sync.RWMutex
	updated  chan struct{} // closed and replaced on every update

	now  func() time.Time
	done chan struct{}
	wg   sync.WaitGroup
}

// NewDepthStream creates a stream for symbols. Call Start to connect.
func NewDepthStream(baseURL string, symbols []string, config *StreamConfig) (*DepthStream, error) {
	cfg := DefaultStreamConfig()
	if config != nil {
		def := cfg
		cfg = *config
		if cfg.Levels == 0 {
			cfg.Levels = def.Levels
		}
		if cfg.ReconnectDelay <= 0 {
			cfg.ReconnectDelay = def.ReconnectDelay
		}
		if cfg.MaxReconnectDelay <= 0 {
			cfg.MaxReconnectDelay = def.MaxReconnectDelay
		}
		if cfg.ReadTimeout <= 0 {
			cfg.ReadTimeout = def.ReadTimeout
		}
	}
	switch cfg.Levels {
	case 5, 10, 20:
	default:
		return nil, fmt.Errorf("depth levels must be 5, 10 or 20, got %d", cfg.Levels)
	}
	if len(symbols) == 0 {
		return nil, errors.New("at least one symbol is required")
	}
	if baseURL == "" {
		baseURL = DefaultStreamURL
	}

	set := make(map[string]bool, len(symbols))
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		set[strings.ToUpper(s)] = true
		streams = append(streams, fmt.Sprintf("%s@depth%d@100ms", strings.ToLower(s), cfg.Levels))
	}

	return &DepthStream{
		endpoint: strings.TrimRight(baseURL, "/") + "/stream?streams=" + strings.Join(streams, "/"),
		config:   cfg,
		symbols:  set,
		latest:   make(map[string]*domain.OrderBookSnapshot),
		updated:  make(chan struct{}),
		now:      time.Now,
		done:     make(chan struct{}),
	}, nil
}

// Start connects and begins reading in the background. The connection is
// re-established with exponential backoff until Close is called.
func (s *DepthStream) Start(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return ingestion.NewSourceError(sourceName, "depth-stream", err)
	}
	s.wg.Add(1)
	go s.readLoop()
	return nil
}

// connect establishes WebSocket connection.
func (s *DepthStream) connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	if s.closed.Load() {
		conn.Close()
		return errors.New("stream closed")
	}

	s.conn = conn
	return nil
}

// FetchSnapshot returns the latest snapshot for symbol, waiting for the
// first one to arrive. The ladder is truncated to limit levels per side.
func (s *DepthStream) FetchSnapshot(ctx context.Context, symbol string, limit int) (*domain.OrderBookSnapshot, error) {
	symbol = strings.ToUpper(symbol)
	if !s.symbols[symbol] {
		return nil, ingestion.NewSourceError(sourceName, "depth-stream", fmt.Errorf("symbol %s not subscribed", symbol))
	}

	for {
		s.latestMu.RLock()
		snap, ok := s.latest[symbol]
		updated := s.updated
		s.latestMu.RUnlock()

		if ok {
			return snapshotCopy(snap, limit), nil
		}
		if s.closed.Load() {
			return nil, ingestion.NewSourceError(sourceName, "depth-stream", errors.New("stream closed"))
		}

		select {
		case <-ctx.Done():
			return nil, ingestion.NewSourceError(sourceName, "depth-stream", ctx.Err())
		case <-s.done:
			return nil, ingestion.NewSourceError(sourceName, "depth-stream", errors.New("stream closed"))
		case <-updated:
		}
	}
}

// Close closes the WebSocket connection.
func (s *DepthStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	close(s.done)

	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	return nil
}

// readLoop reads messages and reconnects on failure.
func (s *DepthStream) readLoop() {
	defer s.wg.Done()

	reconnectDelay := s.config.ReconnectDelay

	for !s.closed.Load() {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn == nil {
			if !s.reconnect(reconnectDelay) {
				reconnectDelay = min(reconnectDelay*2, s.config.MaxReconnectDelay)
			} else {
				reconnectDelay = s.config.ReconnectDelay
			}
			continue
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.connMu.Lock()
			if s.conn == conn {
				s.conn.Close()
				s.conn = nil
			}
			s.connMu.Unlock()
			continue
		}

		s.handleMessage(message)
	}
}

// reconnect waits delay then dials. It reports whether a connection was made.
func (s *DepthStream) reconnect(delay time.Duration) bool {
	select {
	case <-s.done:
		return false
	case <-time.After(delay):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.connect(ctx) == nil
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (s *DepthStream) handleMessage(message []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(message, &env); err != nil || env.Stream == "" {
		return
	}
	symbol := strings.ToUpper(strings.SplitN(env.Stream, "@", 2)[0])
	if !s.symbols[symbol] {
		return
	}

	var depth depthResponse
	if err := json.Unmarshal(env.Data, &depth); err != nil {
		return
	}
	snap, err := depth.snapshot(symbol, s.now().UnixMilli())
	if err != nil {
		return
	}

	s.latestMu.Lock()
	s.latest[symbol] = snap
	close(s.updated)
	s.updated = make(chan struct{})
	s.latestMu.Unlock()
}

func snapshotCopy(src *domain.OrderBookSnapshot, limit int) *domain.OrderBookSnapshot {
	cut := func(levels []domain.PriceLevel) []domain.PriceLevel {
		if limit > 0 && len(levels) > limit {
			levels = levels[:limit]
		}
		out := make([]domain.PriceLevel, len(levels))
		copy(out, levels)
		return out
	}
	return &domain.OrderBookSnapshot{
		Symbol:       src.Symbol,
		Time:         src.Time,
		LastUpdateID: src.LastUpdateID,
		Bids:         cut(src.Bids),
		Asks:         cut(src.Asks),
	}
}
