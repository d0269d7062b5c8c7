package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/ingestion"
)

func klineRow(openTime int64, high, low string) []any {
	return []any{openTime, "10.0", high, low, "10.5", "123.4", openTime + 59_999, "0", 10, "0", "0", "0"}
}

// klineServer serves minute klines from t=0..n-1 minutes honouring the
// startTime/endTime/limit parameters.
func klineServer(t *testing.T, n int, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path != "/api/v3/klines" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "1m", q.Get("interval"))
		assert.Equal(t, "secret", r.Header.Get("X-MBX-APIKEY"))

		start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		end, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
		limit, _ := strconv.Atoi(q.Get("limit"))

		rows := [][]any{}
		for i := 0; i < n && len(rows) < limit; i++ {
			ot := int64(i) * 60_000
			if ot < start || ot > end {
				continue
			}
			rows = append(rows, klineRow(ot, strconv.Itoa(100+i), strconv.Itoa(90+i)))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rows)
	}))
}

func TestClient_FetchBarsPaginates(t *testing.T) {
	var requests atomic.Int32
	server := klineServer(t, 5, &requests)
	defer server.Close()

	client := NewClient(server.URL, WithAPIKey("secret"), WithRetryDelay(time.Millisecond))
	bars, err := client.FetchBars(context.Background(), "btcusdt", "1m", 0, 10*60_000, 2)
	require.NoError(t, err)

	require.Len(t, bars, 5)
	assert.Equal(t, int32(3), requests.Load())
	for i, b := range bars {
		assert.Equal(t, int64(i)*60_000, b.OpenTime)
		assert.Equal(t, float64(100+i), b.HighPrice)
		assert.Equal(t, float64(90+i), b.LowPrice)
		assert.Equal(t, 10.5, b.ClosePrice)
		assert.Equal(t, 123.4, b.Volume)
	}
}

func TestClient_FetchBarsRange(t *testing.T) {
	var requests atomic.Int32
	server := klineServer(t, 10, &requests)
	defer server.Close()

	client := NewClient(server.URL, WithAPIKey("secret"))
	bars, err := client.FetchBars(context.Background(), "BTCUSDT", "1m", 2*60_000, 4*60_000, 1000)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, int64(2*60_000), bars[0].OpenTime)
	assert.Equal(t, int64(4*60_000), bars[2].OpenTime)
	assert.Equal(t, int32(1), requests.Load())
}

func TestClient_FetchBarsEmpty(t *testing.T) {
	var requests atomic.Int32
	server := klineServer(t, 0, &requests)
	defer server.Close()

	client := NewClient(server.URL, WithAPIKey("secret"))
	bars, err := client.FetchBars(context.Background(), "BTCUSDT", "1m", 0, 60_000, 1000)
	require.NoError(t, err)
	assert.Empty(t, bars)
}

func TestClient_FetchSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/depth", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"lastUpdateId":1027024,
			"bids":[["4.00000000","431.00000000"],["3.99000000","12.5"]],
			"asks":[["4.00000200","12.00000000"],["4.10000000","60"]]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	client.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	snap, err := client.FetchSnapshot(context.Background(), "ethbtc", 100)
	require.NoError(t, err)

	assert.Equal(t, "ETHBTC", snap.Symbol)
	assert.Equal(t, int64(1027024), snap.LastUpdateID)
	assert.Equal(t, int64(1_700_000_000_000), snap.Time)
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 2)
	assert.Equal(t, domain.PriceLevel{Price: 4, Quantity: 431}, snap.Bids[0])
	assert.Equal(t, domain.PriceLevel{Price: 4.000002, Quantity: 12}, snap.Asks[0])
	assert.Equal(t, 60.0, snap.Asks[1].Quantity)
}

func TestClient_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"serverTime":1499827319559}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetryDelay(time.Millisecond), WithMaxDelay(5*time.Millisecond))
	ts, err := client.ServerTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1499827319559), ts.UnixMilli())
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_APIErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetryDelay(time.Millisecond))
	_, err := client.FetchSnapshot(context.Background(), "NOPE", 10)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	assert.ErrorIs(t, err, ingestion.ErrSourceUnavailable)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, -1121, apiErr.Code)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestClient_ServerErrorsExhaustRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithMaxRetries(2), WithRetryDelay(time.Millisecond))
	_, err := client.FetchBars(context.Background(), "BTCUSDT", "1m", 0, 60_000, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ingestion.ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_MalformedPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[[0,"10","not-a-number","9","10","1",59999]]`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.FetchBars(context.Background(), "BTCUSDT", "1m", 0, 60_000, 10)
	require.Error(t, err)

	var se *ingestion.SourceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "binance", se.Source)
	assert.Equal(t, "klines", se.Op)
}

func TestClient_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(server.URL, WithRetryDelay(time.Second))
	_, err := client.FetchSnapshot(ctx, "BTCUSDT", 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_RateLimiter(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"serverTime":1}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRateLimit(1000, 1))
	for i := 0; i < 3; i++ {
		_, err := client.ServerTime(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())
}
