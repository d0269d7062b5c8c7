// Package binance implements the bar and order-book sources against the
// Binance spot REST API and partial-depth websocket streams.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/ingestion"
)

// Default configuration values.
const (
	DefaultBaseURL     = "https://api.binance.com"
	DefaultTimeout     = 10 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultBackoffMult = 2.0

	// MaxKlineLimit is the largest page the klines endpoint serves.
	MaxKlineLimit = 1000
	// MaxDepthLimit is the largest depth the depth endpoint serves.
	MaxDepthLimit = 5000

	sourceName = "binance"
)

// Client fetches klines and depth snapshots over REST.
// Implements ingestion.BarSource and ingestion.SnapshotSource.
type Client struct {
	baseURL     string
	apiKey      string
	client      *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	now         func() time.Time
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.maxDelay = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithAPIKey sends the key in the X-MBX-APIKEY header.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewClient creates a new Binance REST client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is an error payload returned by the exchange. It is not retried.
type APIError struct {
	Status  int
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance error %d (http %d): %s", e.Code, e.Status, e.Message)
}

// FetchBars returns klines with open time in [start, end], paging by limit
// until the range is exhausted.
func (c *Client) FetchBars(ctx context.Context, symbol string, interval domain.Interval, start, end int64, limit int) ([]domain.Bar, error) {
	if limit <= 0 || limit > MaxKlineLimit {
		limit = MaxKlineLimit
	}
	if end < start {
		return nil, nil
	}

	var bars []domain.Bar
	cursor := start
	for cursor <= end {
		q := url.Values{}
		q.Set("symbol", strings.ToUpper(symbol))
		q.Set("interval", interval.String())
		q.Set("startTime", strconv.FormatInt(cursor, 10))
		q.Set("endTime", strconv.FormatInt(end, 10))
		q.Set("limit", strconv.Itoa(limit))

		var rows [][]json.RawMessage
		if err := c.get(ctx, "/api/v3/klines", q, &rows); err != nil {
			return nil, ingestion.NewSourceError(sourceName, "klines", err)
		}

		page, err := parseKlines(rows)
		if err != nil {
			return nil, ingestion.NewSourceError(sourceName, "klines", err)
		}

		for _, b := range page {
			if b.OpenTime < cursor || b.OpenTime > end {
				continue
			}
			if n := len(bars); n > 0 && b.OpenTime <= bars[n-1].OpenTime {
				return nil, ingestion.NewSourceError(sourceName, "klines",
					fmt.Errorf("bars out of order at open time %d", b.OpenTime))
			}
			bars = append(bars, b)
		}

		if len(page) < limit || len(bars) == 0 {
			break
		}
		next := bars[len(bars)-1].OpenTime + 1
		if next <= cursor {
			break
		}
		cursor = next
	}
	return bars, nil
}

// FetchSnapshot returns the top limit levels of each side of the book.
// The snapshot is stamped with the local receive time.
func (c *Client) FetchSnapshot(ctx context.Context, symbol string, limit int) (*domain.OrderBookSnapshot, error) {
	if limit <= 0 || limit > MaxDepthLimit {
		limit = MaxDepthLimit
	}

	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("limit", strconv.Itoa(limit))

	var resp depthResponse
	if err := c.get(ctx, "/api/v3/depth", q, &resp); err != nil {
		return nil, ingestion.NewSourceError(sourceName, "depth", err)
	}

	snap, err := resp.snapshot(strings.ToUpper(symbol), c.now().UnixMilli())
	if err != nil {
		return nil, ingestion.NewSourceError(sourceName, "depth", err)
	}
	return snap, nil
}

// ServerTime returns the exchange clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.get(ctx, "/api/v3/time", nil, &resp); err != nil {
		return time.Time{}, ingestion.NewSourceError(sourceName, "time", err)
	}
	return time.UnixMilli(resp.ServerTime), nil
}

// get performs a GET with retries and exponential backoff. Rate-limit
// responses honour Retry-After; exchange error payloads are not retried.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := delay
			var rl *rateLimitError
			if errors.As(lastErr, &rl) && rl.retryAfter > 0 {
				wait = rl.retryAfter
			}
			if wait > c.maxDelay {
				wait = c.maxDelay
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			// Exponential backoff
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("X-MBX-APIKEY", c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
			lastErr = &rateLimitError{
				status:     resp.StatusCode,
				retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			}
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body))
			continue
		case resp.StatusCode != http.StatusOK:
			apiErr := &APIError{Status: resp.StatusCode}
			if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
				apiErr.Message = truncate(body)
			}
			return apiErr
		}

		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

type rateLimitError struct {
	status     int
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%d)", e.status)
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(body []byte) string {
	const maxBody = 256
	if len(body) > maxBody {
		return string(body[:maxBody]) + "..."
	}
	return string(body)
}

// parseKlines decodes kline rows:
// [openTime, open, high, low, close, volume, closeTime, ...].
func parseKlines(rows [][]json.RawMessage) ([]domain.Bar, error) {
	bars := make([]domain.Bar, 0, len(rows))
	for i, row := range rows {
		if len(row) < 7 {
			return nil, fmt.Errorf("kline %d: expected at least 7 fields, got %d", i, len(row))
		}

		var b domain.Bar
		if err := json.Unmarshal(row[0], &b.OpenTime); err != nil {
			return nil, fmt.Errorf("kline %d open time: %w", i, err)
		}
		if err := json.Unmarshal(row[6], &b.CloseTime); err != nil {
			return nil, fmt.Errorf("kline %d close time: %w", i, err)
		}

		prices := []*float64{&b.OpenPrice, &b.HighPrice, &b.LowPrice, &b.ClosePrice, &b.Volume}
		for j, dst := range prices {
			v, err := parseDecimal(row[j+1])
			if err != nil {
				return nil, fmt.Errorf("kline %d field %d: %w", i, j+1, err)
			}
			*dst = v
		}

		if b.HighPrice < b.LowPrice {
			return nil, fmt.Errorf("kline %d: high %v below low %v", i, b.HighPrice, b.LowPrice)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func parseDecimal(raw json.RawMessage) (float64, error) {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(raw); err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

// depthResponse is the payload of /api/v3/depth and of partial-depth streams.
type depthResponse struct {
	LastUpdateID int64               `json:"lastUpdateId"`
	Bids         [][]decimal.Decimal `json:"bids"`
	Asks         [][]decimal.Decimal `json:"asks"`
}

func (d *depthResponse) snapshot(symbol string, at int64) (*domain.OrderBookSnapshot, error) {
	bids, err := parseLevels(d.Bids)
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(d.Asks)
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}
	return &domain.OrderBookSnapshot{
		Symbol:       symbol,
		Time:         at,
		LastUpdateID: d.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
	}, nil
}

func parseLevels(rows [][]decimal.Decimal) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, 0, len(rows))
	for i, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("level %d: expected [price, quantity], got %d fields", i, len(row))
		}
		if row[0].IsNegative() || row[1].IsNegative() {
			return nil, fmt.Errorf("level %d: negative price or quantity", i)
		}
		out = append(out, domain.PriceLevel{
			Price:    row[0].InexactFloat64(),
			Quantity: row[1].InexactFloat64(),
		})
	}
	return out, nil
}
