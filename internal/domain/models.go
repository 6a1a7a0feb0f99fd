// Package domain provides core domain models and types.
package domain

import "time"

// Service identifies a logical subsystem whose health is tracked independently.
type Service string

const (
	ServiceMarket    Service = "market"
	ServiceNews      Service = "news"
	ServiceSentiment Service = "sentiment"
	ServiceAI        Service = "ai"
)

// AllServices lists every tracked subsystem in display order.
var AllServices = []Service{ServiceMarket, ServiceNews, ServiceSentiment, ServiceAI}

// Quote is the latest market data for a single symbol.
// Quotes are replaced on every update and never kept historically.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	Volume        float64   `json:"volume"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Open          float64   `json:"open"`
	PreviousClose float64   `json:"previous_close"`
	Timestamp     time.Time `json:"timestamp"`
	IsFresh       bool      `json:"is_fresh"` // false when served from a provider-side cache
	Source        string    `json:"source"`
}

// SentimentLabel classifies the tone of a news item.
type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "positive"
	SentimentNegative SentimentLabel = "negative"
	SentimentNeutral  SentimentLabel = "neutral"
)

// NewsItem is a single headline from a news provider.
type NewsItem struct {
	ID        string         `json:"id"`
	Headline  string         `json:"headline"`
	Source    string         `json:"source"`
	URL       string         `json:"url"`
	Timestamp time.Time      `json:"timestamp"`
	Sentiment SentimentLabel `json:"sentiment,omitempty"`
	Tickers   []string       `json:"tickers,omitempty"`
}

// HasSentiment reports whether the item already carries a sentiment label.
func (n NewsItem) HasSentiment() bool {
	return n.Sentiment != ""
}

// NewsBatch is the result of one news fetch.
type NewsBatch struct {
	Articles []NewsItem
	Source   string
}

// AlertCondition is the comparison an alert applies to the current price.
type AlertCondition string

const (
	ConditionAbove       AlertCondition = "above"
	ConditionBelow       AlertCondition = "below"
	ConditionPercentUp   AlertCondition = "percent_up"
	ConditionPercentDown AlertCondition = "percent_down"
)

// Valid reports whether c is a known condition.
func (c AlertCondition) Valid() bool {
	switch c {
	case ConditionAbove, ConditionBelow, ConditionPercentUp, ConditionPercentDown:
		return true
	}
	return false
}

// RequiresPreviousPrice reports whether the condition compares against a prior price.
func (c AlertCondition) RequiresPreviousPrice() bool {
	return c == ConditionPercentUp || c == ConditionPercentDown
}

// PriceAlert is a user-defined price condition.
// Only Triggered and TriggeredAt are ever written by the live-data core.
type PriceAlert struct {
	ID          string         `json:"id"`
	Symbol      string         `json:"symbol"`
	Condition   AlertCondition `json:"condition"`
	Value       float64        `json:"value"`
	Triggered   bool           `json:"triggered"`
	CreatedAt   time.Time      `json:"created_at"`
	TriggeredAt *time.Time     `json:"triggered_at,omitempty"`
}

// Recommendation is the outcome of an AI analysis for one symbol.
type Recommendation struct {
	Symbol      string    `json:"symbol"`
	Action      string    `json:"action"` // buy, sell, hold
	Confidence  float64   `json:"confidence"`
	Rationale   string    `json:"rationale,omitempty"`
	TargetPrice *float64  `json:"target_price,omitempty"`
	StopLoss    *float64  `json:"stop_loss,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Pattern is a technical pattern detected by the pattern scan.
type Pattern struct {
	Symbol     string    `json:"symbol"`
	Name       string    `json:"name"`
	Direction  string    `json:"direction"` // bullish, bearish, neutral
	Strength   float64   `json:"strength"`
	Detail     string    `json:"detail,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}
