// Package finnhub provides the REST client for quotes, market news and daily candles.
package finnhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aristath/pulse/internal/domain"
)

const (
	defaultBaseURL  = "https://finnhub.io/api/v1"
	defaultTimeout  = 30 * time.Second
	defaultQuoteTTL = 30 * time.Second

	// SourceName tags quotes and news fetched over REST
	SourceName = "finnhub"
)

// Provider tiers
const (
	TierFree    = "free"
	TierPremium = "premium"
)

var (
	// ErrNoAPIKey is returned when no credential is configured
	ErrNoAPIKey = errors.New("finnhub API key not configured")
	// ErrRateLimited is returned when the provider signals quota exhaustion
	ErrRateLimited = errors.New("finnhub rate limit exceeded")
)

// Config configures the client
type Config struct {
	BaseURL  string
	APIKey   string
	Tier     string
	Timeout  time.Duration
	QuoteTTL time.Duration
}

// tierLimit returns the request spacing for a tier
func tierLimit(tier string) rate.Limit {
	if tier == TierPremium {
		return rate.Limit(10)
	}
	return rate.Every(time.Second)
}

type cachedQuote struct {
	quote     domain.Quote
	fetchedAt time.Time
}

// Client talks to the Finnhub REST API
type Client struct {
	client  *resty.Client
	log     zerolog.Logger
	limiter *rate.Limiter

	mu       sync.RWMutex
	apiKey   string
	tier     string
	quoteTTL time.Duration
	quotes   map[string]cachedQuote
	now      func() time.Time
}

// NewClient creates a new Finnhub client
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = defaultQuoteTTL
	}
	if cfg.Tier == "" {
		cfg.Tier = TierFree
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Accept", "application/json")

	return &Client{
		client:   client,
		log:      log.With().Str("client", "finnhub").Logger(),
		limiter:  rate.NewLimiter(tierLimit(cfg.Tier), 1),
		apiKey:   cfg.APIKey,
		tier:     cfg.Tier,
		quoteTTL: cfg.QuoteTTL,
		quotes:   make(map[string]cachedQuote),
		now:      time.Now,
	}
}

// SetCredentials swaps the API key and tier. Cached quotes are dropped.
func (c *Client) SetCredentials(apiKey, tier string) {
	if tier == "" {
		tier = TierFree
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = apiKey
	if tier != c.tier {
		c.tier = tier
		c.limiter.SetLimit(tierLimit(tier))
	}
	c.quotes = make(map[string]cachedQuote)
}

// HasCredentials reports whether an API key is configured
func (c *Client) HasCredentials() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey != ""
}

// Tier returns the configured provider tier
func (c *Client) Tier() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tier
}

func (c *Client) key() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.apiKey == "" {
		return "", ErrNoAPIKey
	}
	return c.apiKey, nil
}

// get performs a throttled GET and decodes the JSON body into out
func (c *Client) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	token, err := c.key()
	if err != nil {
		return err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetQueryParam("token", token).
		Get(path)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", path, err)
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode() != http.StatusOK:
		return fmt.Errorf("API error %d: %s", resp.StatusCode(), resp.String())
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", path, err)
	}
	return nil
}

// quoteResponse is the /quote payload
type quoteResponse struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	ChangePercent float64 `json:"dp"`
	High          float64 `json:"h"`
	Low           float64 `json:"l"`
	Open          float64 `json:"o"`
	PreviousClose float64 `json:"pc"`
	Timestamp     int64   `json:"t"`
}

// FetchLivePrices returns quotes for symbols. Quotes fetched within the TTL
// are served from memory with IsFresh unset. Symbols that fail are omitted;
// an error is returned only when nothing could be served.
func (c *Client) FetchLivePrices(ctx context.Context, symbols []string) ([]domain.Quote, error) {
	quotes := make([]domain.Quote, 0, len(symbols))
	var lastErr error

	for _, symbol := range symbols {
		if q, ok := c.cachedQuote(symbol); ok {
			quotes = append(quotes, q)
			continue
		}

		q, err := c.fetchQuote(ctx, symbol)
		if err != nil {
			if errors.Is(err, ErrNoAPIKey) || errors.Is(err, ErrRateLimited) || ctx.Err() != nil {
				return quotes, err
			}
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("Quote fetch failed")
			lastErr = err
			continue
		}
		if q == nil {
			c.log.Debug().Str("symbol", symbol).Msg("No quote data for symbol")
			continue
		}
		quotes = append(quotes, *q)
	}

	if len(quotes) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return quotes, nil
}

func (c *Client) cachedQuote(symbol string) (domain.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cached, ok := c.quotes[symbol]
	if !ok || c.now().Sub(cached.fetchedAt) >= c.quoteTTL {
		return domain.Quote{}, false
	}
	q := cached.quote
	q.IsFresh = false
	return q, true
}

func (c *Client) fetchQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	var raw quoteResponse
	if err := c.get(ctx, "/quote", map[string]string{"symbol": symbol}, &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch quote for %s: %w", symbol, err)
	}
	// Unknown symbols come back as all zeros
	if raw.Current == 0 {
		return nil, nil
	}

	ts := c.now()
	if raw.Timestamp > 0 {
		ts = time.Unix(raw.Timestamp, 0)
	}
	q := domain.Quote{
		Symbol:        symbol,
		Price:         raw.Current,
		Change:        raw.Change,
		ChangePercent: raw.ChangePercent,
		High:          raw.High,
		Low:           raw.Low,
		Open:          raw.Open,
		PreviousClose: raw.PreviousClose,
		Timestamp:     ts,
		IsFresh:       true,
		Source:        SourceName,
	}

	c.mu.Lock()
	c.quotes[symbol] = cachedQuote{quote: q, fetchedAt: c.now()}
	c.mu.Unlock()

	return &q, nil
}

// newsResponse is one entry of the /news payload
type newsResponse struct {
	ID       int64  `json:"id"`
	Category string `json:"category"`
	DateTime int64  `json:"datetime"`
	Headline string `json:"headline"`
	Related  string `json:"related"`
	Source   string `json:"source"`
	Summary  string `json:"summary"`
	URL      string `json:"url"`
}

// FetchNews returns the latest general market news
func (c *Client) FetchNews(ctx context.Context) (domain.NewsBatch, error) {
	var raw []newsResponse
	if err := c.get(ctx, "/news", map[string]string{"category": "general"}, &raw); err != nil {
		return domain.NewsBatch{}, fmt.Errorf("failed to fetch news: %w", err)
	}

	items := make([]domain.NewsItem, 0, len(raw))
	for _, n := range raw {
		if n.Headline == "" {
			continue
		}
		items = append(items, domain.NewsItem{
			ID:        strconv.FormatInt(n.ID, 10),
			Headline:  n.Headline,
			Source:    n.Source,
			URL:       n.URL,
			Timestamp: time.Unix(n.DateTime, 0),
			Tickers:   splitTickers(n.Related),
		})
	}

	c.log.Debug().Int("items", len(items)).Msg("Fetched news")
	return domain.NewsBatch{Articles: items, Source: SourceName}, nil
}

func splitTickers(related string) []string {
	if related == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(related, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, strings.ToUpper(t))
		}
	}
	return out
}

// candleResponse is the /stock/candle payload
type candleResponse struct {
	Close  []float64 `json:"c"`
	Time   []int64   `json:"t"`
	Status string    `json:"s"`
}

// DailyCloses returns up to days daily closing prices for symbol, oldest first
func (c *Client) DailyCloses(ctx context.Context, symbol string, days int) ([]float64, error) {
	to := c.now()
	// Calendar days cover weekends and holidays
	from := to.AddDate(0, 0, -days*3/2-7)

	var raw candleResponse
	params := map[string]string{
		"symbol":     symbol,
		"resolution": "D",
		"from":       strconv.FormatInt(from.Unix(), 10),
		"to":         strconv.FormatInt(to.Unix(), 10),
	}
	if err := c.get(ctx, "/stock/candle", params, &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch candles for %s: %w", symbol, err)
	}
	if raw.Status != "ok" {
		return nil, fmt.Errorf("no candle data for %s (status %q)", symbol, raw.Status)
	}

	closes := raw.Close
	if len(closes) > days {
		closes = closes[len(closes)-days:]
	}
	return closes, nil
}
