// Package events defines the unified, typed event stream published by the live-data core.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/pulse/internal/domain"
)

// EventType is the fixed tag carried by every published event
type EventType string

const (
	Market           EventType = "market"
	News             EventType = "news"
	Sentiment        EventType = "sentiment"
	AIRecommendation EventType = "ai_recommendation"
	AlertTriggered   EventType = "alert_triggered"
	AIAnalysisStart  EventType = "ai_analysis_start"
	AIPhaseUpdate    EventType = "ai_phase_update"
	AIAnalysisEnd    EventType = "ai_analysis_end"
	WebsocketStatus  EventType = "websocket_status"
	RealtimeQuote    EventType = "realtime_quote"
	HealthAlert      EventType = "health_alert"
	PatternDetected  EventType = "pattern_detected"
)

// AllEventTypes lists every event type the core can publish.
var AllEventTypes = []EventType{
	Market, News, Sentiment, AIRecommendation, AlertTriggered,
	AIAnalysisStart, AIPhaseUpdate, AIAnalysisEnd,
	WebsocketStatus, RealtimeQuote, HealthAlert, PatternDetected,
}

// EventData is the payload of an event. The set of implementations is closed:
// only types in this package satisfy it.
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
	eventData()
}

// Cache status values carried by market events
const (
	CacheFresh   = "fresh"
	CachePartial = "partial"
	CacheCached  = "cached"
)

// MarketData contains the quotes of one market refresh
type MarketData struct {
	Quotes      []domain.Quote `json:"quotes"`
	CacheStatus string         `json:"cache_status"`
	IsRealtime  bool           `json:"is_realtime"`
}

func (d *MarketData) EventType() EventType { return Market }
func (d *MarketData) eventData()           {}

// NewsData contains the current news buffer after a refresh
type NewsData struct {
	Items  []domain.NewsItem `json:"items"`
	Source string            `json:"source,omitempty"`
}

func (d *NewsData) EventType() EventType { return News }
func (d *NewsData) eventData()           {}

// SentimentData contains the items that just received a sentiment label
type SentimentData struct {
	Items []domain.NewsItem `json:"items"`
}

func (d *SentimentData) EventType() EventType { return Sentiment }
func (d *SentimentData) eventData()           {}

// AIRecommendationData carries a freshly generated recommendation
type AIRecommendationData struct {
	Recommendation domain.Recommendation `json:"recommendation"`
}

func (d *AIRecommendationData) EventType() EventType { return AIRecommendation }
func (d *AIRecommendationData) eventData()           {}

// AlertTriggeredData carries an alert that fired and the price that fired it
type AlertTriggeredData struct {
	Alert        domain.PriceAlert `json:"alert"`
	CurrentPrice float64           `json:"current_price"`
}

func (d *AlertTriggeredData) EventType() EventType { return AlertTriggered }
func (d *AlertTriggeredData) eventData()           {}

// AIAnalysisStartData marks the beginning of a long-running AI analysis
type AIAnalysisStartData struct {
	RunID  string `json:"run_id"`
	Symbol string `json:"symbol"`
}

func (d *AIAnalysisStartData) EventType() EventType { return AIAnalysisStart }
func (d *AIAnalysisStartData) eventData()           {}

// AIPhaseUpdateData reports progress inside an AI analysis
type AIPhaseUpdateData struct {
	RunID   string `json:"run_id"`
	Symbol  string `json:"symbol"`
	Phase   string `json:"phase"`
	Message string `json:"message,omitempty"`
}

func (d *AIPhaseUpdateData) EventType() EventType { return AIPhaseUpdate }
func (d *AIPhaseUpdateData) eventData()           {}

// AIAnalysisEndData marks the end of an AI analysis
type AIAnalysisEndData struct {
	RunID    string  `json:"run_id"`
	Symbol   string  `json:"symbol"`
	Success  bool    `json:"success"`
	Error    string  `json:"error,omitempty"`
	Duration float64 `json:"duration"` // seconds
}

func (d *AIAnalysisEndData) EventType() EventType { return AIAnalysisEnd }
func (d *AIAnalysisEndData) eventData()           {}

// WebsocketStatusData reports a push-feed state transition
type WebsocketStatusData struct {
	State    string `json:"state"`
	Message  string `json:"message,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`
	Fallback bool   `json:"fallback,omitempty"` // true once polling takes over from the feed
}

func (d *WebsocketStatusData) EventType() EventType { return WebsocketStatus }
func (d *WebsocketStatusData) eventData()           {}

// RealtimeQuoteData carries a single quote from the push feed
type RealtimeQuoteData struct {
	Quote domain.Quote `json:"quote"`
}

func (d *RealtimeQuoteData) EventType() EventType { return RealtimeQuote }
func (d *RealtimeQuoteData) eventData()           {}

// HealthAlertData notifies that a subsystem started failing or crossed into error
type HealthAlertData struct {
	Service           domain.Service `json:"service"`
	Status            string         `json:"status"`
	Message           string         `json:"message"`
	ConsecutiveErrors int            `json:"consecutive_errors"`
}

func (d *HealthAlertData) EventType() EventType { return HealthAlert }
func (d *HealthAlertData) eventData()           {}

// PatternDetectedData carries the patterns found by a pattern scan
type PatternDetectedData struct {
	Patterns []domain.Pattern `json:"patterns"`
}

func (d *PatternDetectedData) EventType() EventType { return PatternDetected }
func (d *PatternDetectedData) eventData()           {}

// Event is a published event with typed data
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// newData returns an empty payload for the given type.
func newData(t EventType) (EventData, error) {
	switch t {
	case Market:
		return &MarketData{}, nil
	case News:
		return &NewsData{}, nil
	case Sentiment:
		return &SentimentData{}, nil
	case AIRecommendation:
		return &AIRecommendationData{}, nil
	case AlertTriggered:
		return &AlertTriggeredData{}, nil
	case AIAnalysisStart:
		return &AIAnalysisStartData{}, nil
	case AIPhaseUpdate:
		return &AIPhaseUpdateData{}, nil
	case AIAnalysisEnd:
		return &AIAnalysisEndData{}, nil
	case WebsocketStatus:
		return &WebsocketStatusData{}, nil
	case RealtimeQuote:
		return &RealtimeQuoteData{}, nil
	case HealthAlert:
		return &HealthAlertData{}, nil
	case PatternDetected:
		return &PatternDetectedData{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", t)
	}
}

// MarshalJSON serializes the payload alongside the envelope
func (e *Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON restores the typed payload from the envelope's type tag
func (e *Event) UnmarshalJSON(data []byte) error {
	type Alias Event
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	if len(aux.Data) == 0 || string(aux.Data) == "null" {
		e.Data = nil
		return nil
	}

	payload, err := newData(aux.Type)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(aux.Data, payload); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", aux.Type, err)
	}
	e.Data = payload
	return nil
}
