package coingecko

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echoyidotfun/demind-agent-service/internal/ratelimit"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *ratelimit.Queue, *ratelimit.ManualClock) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	clock := ratelimit.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	queue := ratelimit.NewQueue(ratelimit.Config{
		MinInterval:  time.Second,
		SafetyMargin: time.Second,
		RetryDelay:   time.Second,
		MaxAttempts:  3,
	}, clock, nil, nil)
	t.Cleanup(queue.Close)

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "demo-key"}, queue, nil, nil)
	return client, queue, clock
}

func TestClient_GetCoinsList(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/list", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("include_platform"))
		assert.Equal(t, "demo-key", r.Header.Get(apiKeyHeader))
		_, _ = w.Write([]byte(`[
			{"id":"usd-coin","symbol":"usdc","name":"USDC","platforms":{"ethereum":"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48","arbitrum-one":"0xaf88d065e77c8cc2239327c5edb3a432268e5831"}},
			{"id":"","symbol":"bad","name":"no id"},
			{"id":"bitcoin","symbol":"btc","name":"Bitcoin","platforms":{}}
		]`))
	})

	coins, err := client.GetCoinsList(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, coins, 2)
	assert.Equal(t, "usd-coin", coins[0].ID)
	assert.Len(t, coins[0].Platforms, 2)
}

func TestClient_RetriesAfterRateLimit(t *testing.T) {
	var hits int32
	client, queue, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"coins":[{"item":{"id":"pepe","coin_id":29850,"name":"Pepe","symbol":"PEPE","market_cap_rank":30,"score":0}}]}`))
	})

	coins, err := client.GetTrending(context.Background())
	require.NoError(t, err)
	require.Len(t, coins, 1)
	assert.Equal(t, "pepe", coins[0].ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.False(t, queue.BackoffUntil().IsZero())
}

func TestClient_ServerErrorsYieldEmptyResult(t *testing.T) {
	var hits int32
	client, _, clock := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	coins, err := client.GetCoinsList(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, coins)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	assert.Contains(t, clock.Sleeps(), time.Second)
}

func TestClient_UnknownCoinIsNotRetried(t *testing.T) {
	var hits int32
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"coin not found"}`))
	})

	detail, err := client.GetCoin(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, detail)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestClient_GetCoinParsesMarketData(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/ethereum", r.URL.Path)
		assert.Equal(t, "false", r.URL.Query().Get("tickers"))
		_, _ = w.Write([]byte(`{"id":"ethereum","symbol":"eth","name":"Ethereum","market_cap_rank":2,
			"market_data":{"current_price":{"usd":3200.5},"market_cap":{"usd":385000000000}}}`))
	})

	detail, err := client.GetCoin(context.Background(), "ethereum")
	require.NoError(t, err)
	require.NotNil(t, detail)
	require.NotNil(t, detail.MarketCapRank)
	assert.Equal(t, 2, *detail.MarketCapRank)

	md, err := detail.ParseMarketData()
	require.NoError(t, err)
	assert.InDelta(t, 3200.5, md.CurrentPrice["usd"], 1e-9)
}

func TestClient_QueueClosedIsReturned(t *testing.T) {
	client, queue, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	queue.Close()

	_, err := client.GetCoinsList(context.Background(), false)
	assert.ErrorIs(t, err, ratelimit.ErrQueueClosed)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage", now))
}
