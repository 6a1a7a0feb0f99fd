package finnhub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(Config{BaseURL: server.URL, APIKey: "test-key"}, zerolog.Nop())
	client.limiter = rate.NewLimiter(rate.Inf, 1)
	return client
}

func TestNewClient_Defaults(t *testing.T) {
	client := NewClient(Config{}, zerolog.Nop())
	assert.False(t, client.HasCredentials())
	assert.Equal(t, TierFree, client.Tier())
	assert.Equal(t, defaultQuoteTTL, client.quoteTTL)
	assert.Equal(t, rate.Every(time.Second), client.limiter.Limit())
}

func TestSetCredentials_UpdatesTierLimit(t *testing.T) {
	client := NewClient(Config{APIKey: "a"}, zerolog.Nop())

	client.SetCredentials("b", TierPremium)
	assert.True(t, client.HasCredentials())
	assert.Equal(t, TierPremium, client.Tier())
	assert.Equal(t, rate.Limit(10), client.limiter.Limit())

	client.SetCredentials("", "")
	assert.False(t, client.HasCredentials())
	assert.Equal(t, TierFree, client.Tier())
}

func TestFetchLivePrices_Success(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("token"))

		var resp quoteResponse
		switch r.URL.Query().Get("symbol") {
		case "AAPL":
			resp = quoteResponse{Current: 190.5, Change: 1.5, ChangePercent: 0.79, High: 191, Low: 188, Open: 189, PreviousClose: 189, Timestamp: 1700000000}
		case "MSFT":
			resp = quoteResponse{Current: 410, Change: -2, ChangePercent: -0.48}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	quotes, err := client.FetchLivePrices(context.Background(), []string{"AAPL", "MSFT", "NOPE"})
	require.NoError(t, err)
	require.Len(t, quotes, 2, "unknown symbols are omitted")

	assert.Equal(t, "AAPL", quotes[0].Symbol)
	assert.Equal(t, 190.5, quotes[0].Price)
	assert.Equal(t, 189.0, quotes[0].PreviousClose)
	assert.Equal(t, time.Unix(1700000000, 0), quotes[0].Timestamp)
	assert.True(t, quotes[0].IsFresh)
	assert.Equal(t, SourceName, quotes[0].Source)
	assert.Equal(t, -2.0, quotes[1].Change)
}

func TestFetchLivePrices_ServesCachedWithinTTL(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(quoteResponse{Current: 100})
	})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }

	first, err := client.FetchLivePrices(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.True(t, first[0].IsFresh)

	now = now.Add(10 * time.Second)
	second, err := client.FetchLivePrices(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.False(t, second[0].IsFresh)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	now = now.Add(30 * time.Second)
	third, err := client.FetchLivePrices(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	assert.True(t, third[0].IsFresh)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFetchLivePrices_RateLimited(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.FetchLivePrices(context.Background(), []string{"AAPL"})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestFetchLivePrices_AllFail(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})

	quotes, err := client.FetchLivePrices(context.Background(), []string{"AAPL", "MSFT"})
	require.Error(t, err)
	assert.Nil(t, quotes)
	assert.Contains(t, err.Error(), "API error 500")
}

func TestFetchLivePrices_PartialFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") == "MSFT" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(quoteResponse{Current: 100})
	})

	quotes, err := client.FetchLivePrices(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "AAPL", quotes[0].Symbol)
}

func TestFetchLivePrices_NoAPIKey(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1"}, zerolog.Nop())
	_, err := client.FetchLivePrices(context.Background(), []string{"AAPL"})
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestFetchNews(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/news", r.URL.Path)
		assert.Equal(t, "general", r.URL.Query().Get("category"))
		_ = json.NewEncoder(w).Encode([]newsResponse{
			{ID: 42, DateTime: 1700000000, Headline: "Apple beats estimates", Related: "aapl, msft", Source: "Reuters", URL: "https://example.com/a"},
			{ID: 43, DateTime: 1700000100, Headline: ""},
		})
	})

	batch, err := client.FetchNews(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceName, batch.Source)
	require.Len(t, batch.Articles, 1)

	item := batch.Articles[0]
	assert.Equal(t, "42", item.ID)
	assert.Equal(t, "Apple beats estimates", item.Headline)
	assert.Equal(t, []string{"AAPL", "MSFT"}, item.Tickers)
	assert.Equal(t, time.Unix(1700000000, 0), item.Timestamp)
	assert.False(t, item.HasSentiment())
}

func TestFetchNews_MalformedPayload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"a list"}`))
	})

	_, err := client.FetchNews(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}

func TestDailyCloses(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stock/candle", r.URL.Path)
		assert.Equal(t, "D", r.URL.Query().Get("resolution"))
		assert.NotEmpty(t, r.URL.Query().Get("from"))
		_ = json.NewEncoder(w).Encode(candleResponse{Close: []float64{1, 2, 3, 4, 5}, Status: "ok"})
	})

	closes, err := client.DailyCloses(context.Background(), "AAPL", 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4, 5}, closes)
}

func TestDailyCloses_NoData(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(candleResponse{Status: "no_data"})
	})

	_, err := client.DailyCloses(context.Background(), "AAPL", 30)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no candle data")
}

func TestThrottle_SpacesRequests(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(quoteResponse{Current: 1})
	})
	client.limiter = rate.NewLimiter(rate.Every(50*time.Millisecond), 1)

	start := time.Now()
	_, err := client.FetchLivePrices(context.Background(), []string{"A", "B", "C"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}
