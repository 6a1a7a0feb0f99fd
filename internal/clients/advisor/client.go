// Package advisor provides the client for the AI recommendation service.
//
// The service answers POST /v1/recommendations with newline-delimited JSON:
// zero or more phase frames followed by a single result frame.
//
//	{"type":"phase","phase":"gathering","message":"Collecting market data"}
//	{"type":"result","recommendation":{"action":"buy","confidence":0.82,...}}
//
// A null recommendation means the service had nothing above the threshold.
package advisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/aristath/pulse/internal/domain"
)

const (
	defaultTimeout = 5 * time.Minute
	maxFrameSize   = 1 << 20
)

// ErrNoResult is returned when the stream ends without a result frame
var ErrNoResult = errors.New("advisor stream ended without a result")

type recommendationRequest struct {
	Symbol              string  `json:"symbol"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

type frame struct {
	Type           string                 `json:"type"`
	Phase          string                 `json:"phase,omitempty"`
	Message        string                 `json:"message,omitempty"`
	Recommendation *domain.Recommendation `json:"recommendation,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// Client calls the recommendation service
type Client struct {
	client *resty.Client
	log    zerolog.Logger
	now    func() time.Time
}

// NewClient creates a client for the service at baseURL
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	client.SetTimeout(timeout)
	client.SetHeader("Accept", "application/x-ndjson")

	return &Client{
		client: client,
		log:    log.With().Str("client", "advisor").Logger(),
		now:    time.Now,
	}
}

// GenerateRecommendation asks the service for a recommendation on symbol.
// onPhase, if set, receives progress updates as they stream in. It returns
// nil without error when no recommendation meets threshold.
func (c *Client) GenerateRecommendation(ctx context.Context, symbol string, threshold float64, onPhase func(phase, message string)) (*domain.Recommendation, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(recommendationRequest{Symbol: symbol, ConfidenceThreshold: threshold}).
		SetDoNotParseResponse(true).
		Post("/v1/recommendations")
	if err != nil {
		return nil, fmt.Errorf("recommendation request failed: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("advisor returned status %d", resp.StatusCode())
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var f frame
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			return nil, fmt.Errorf("failed to parse advisor frame: %w", err)
		}

		switch f.Type {
		case "phase":
			if onPhase != nil {
				onPhase(f.Phase, f.Message)
			}
		case "error":
			return nil, fmt.Errorf("advisor error: %s", f.Error)
		case "result":
			return c.accept(symbol, threshold, f.Recommendation), nil
		default:
			c.log.Debug().Str("type", f.Type).Msg("Ignoring advisor frame")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read advisor stream: %w", err)
	}
	return nil, ErrNoResult
}

func (c *Client) accept(symbol string, threshold float64, rec *domain.Recommendation) *domain.Recommendation {
	if rec == nil {
		return nil
	}
	if rec.Confidence < threshold {
		c.log.Debug().
			Str("symbol", symbol).
			Float64("confidence", rec.Confidence).
			Msg("Recommendation below threshold")
		return nil
	}
	if rec.Symbol == "" {
		rec.Symbol = symbol
	}
	if rec.GeneratedAt.IsZero() {
		rec.GeneratedAt = c.now()
	}
	return rec
}
