package settings

import "time"

// Setting keys
const (
	KeyAIRecurrenceMinutes = "ai_recurrence_minutes"
	KeyPatternScanEnabled  = "pattern_scan_enabled"
	KeyRealtimeEnabled     = "realtime_enabled"
	KeyStreamAPIKey        = "stream_api_key"
	KeyFinnhubAPIKey       = "finnhub_api_key"
	KeyFinnhubTier         = "finnhub_tier"
	KeyWatchlist           = "watchlist"
	KeyConfidenceThreshold = "ai_confidence_threshold"
)

// DefaultConfidenceThreshold is the minimum confidence for a recommendation to be published
const DefaultConfidenceThreshold = 0.6

// AllowedRecurrenceMinutes are the AI analysis intervals offered in the settings screen
var AllowedRecurrenceMinutes = []int{5, 10, 15}

// Settings is the runtime configuration consumed by the orchestrator
type Settings struct {
	AIRecurrenceMinutes int      `json:"ai_recurrence_minutes"`
	PatternScanEnabled  bool     `json:"pattern_scan_enabled"`
	RealtimeEnabled     bool     `json:"realtime_enabled"`
	StreamAPIKey        string   `json:"-"`
	FinnhubAPIKey       string   `json:"-"`
	FinnhubTier         string   `json:"finnhub_tier"`
	Watchlist           []string `json:"watchlist"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
}

// AIRecurrence returns the AI analysis interval as a duration
func (s Settings) AIRecurrence() time.Duration {
	return time.Duration(s.AIRecurrenceMinutes) * time.Minute
}

// RealtimeCapable reports whether the push feed can be started
func (s Settings) RealtimeCapable() bool {
	return s.RealtimeEnabled && s.StreamAPIKey != ""
}

// ValidRecurrence reports whether minutes is one of the offered intervals
func ValidRecurrence(minutes int) bool {
	for _, m := range AllowedRecurrenceMinutes {
		if m == minutes {
			return true
		}
	}
	return false
}
