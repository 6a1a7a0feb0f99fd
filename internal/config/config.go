// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Provider tiers affecting upstream rate limits
const (
	TierFree    = "free"
	TierPremium = "premium"
)

// Config holds application configuration
type Config struct {
	DataDir             string // Base directory for the database, always absolute
	LogLevel            string
	Port                int
	DevMode             bool
	FinnhubAPIKey       string
	FinnhubTier         string
	StreamURL           string
	StreamAPIKey        string
	RealtimeEnabled     bool
	AdvisorURL          string
	AIRecurrenceMinutes int
	PatternScanEnabled  bool
	Watchlist           []string
}

// CredentialStore is the subset of the settings repository used to overlay credentials
type CredentialStore interface {
	Get(key string) (*string, error)
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("PULSE_DATA_DIR", "./data")

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:             absDataDir,
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		Port:                getEnvAsInt("PORT", 8080),
		DevMode:             getEnvAsBool("DEV_MODE", false),
		FinnhubAPIKey:       getEnv("FINNHUB_API_KEY", ""),
		FinnhubTier:         strings.ToLower(getEnv("FINNHUB_TIER", TierFree)),
		StreamURL:           getEnv("STREAM_URL", "wss://ws.finnhub.io"),
		StreamAPIKey:        getEnv("STREAM_API_KEY", ""),
		RealtimeEnabled:     getEnvAsBool("REALTIME_ENABLED", false),
		AdvisorURL:          getEnv("ADVISOR_URL", ""),
		AIRecurrenceMinutes: getEnvAsInt("AI_RECURRENCE_MINUTES", 15),
		PatternScanEnabled:  getEnvAsBool("PATTERN_SCAN_ENABLED", false),
		Watchlist:           ParseSymbols(getEnv("WATCHLIST", "AAPL,MSFT,GOOGL,AMZN,NVDA")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// UpdateFromSettings overlays credentials stored in the settings database.
// Non-empty settings values take precedence over environment variables.
func (c *Config) UpdateFromSettings(store CredentialStore) error {
	overlay := []struct {
		key    string
		target *string
	}{
		{"finnhub_api_key", &c.FinnhubAPIKey},
		{"stream_api_key", &c.StreamAPIKey},
		{"finnhub_tier", &c.FinnhubTier},
	}

	for _, o := range overlay {
		value, err := store.Get(o.key)
		if err != nil {
			return fmt.Errorf("failed to get %s from settings: %w", o.key, err)
		}
		if value != nil && *value != "" {
			*o.target = *value
		}
	}

	return nil
}

// Validate checks configuration values
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.FinnhubTier != TierFree && c.FinnhubTier != TierPremium {
		return fmt.Errorf("invalid FINNHUB_TIER %q (want %s or %s)", c.FinnhubTier, TierFree, TierPremium)
	}
	if c.AIRecurrenceMinutes <= 0 {
		return fmt.Errorf("invalid AI_RECURRENCE_MINUTES: %d", c.AIRecurrenceMinutes)
	}
	return nil
}

// ParseSymbols splits a comma separated symbol list, upper-casing and dropping blanks and duplicates
func ParseSymbols(raw string) []string {
	var symbols []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		s := strings.ToUpper(strings.TrimSpace(part))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		symbols = append(symbols, s)
	}
	return symbols
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
