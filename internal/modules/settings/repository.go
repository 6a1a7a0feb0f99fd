// Package settings provides the settings repository backing runtime configuration.
// Settings are key-value pairs stored in the settings table and take precedence
// over environment defaults.
package settings

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Repository handles settings database operations.
//
// Settings are stored as strings and converted to appropriate types (int, float, bool)
// when retrieved.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new settings repository.
//
// Parameters:
//   - db: Database connection holding the settings table
//   - log: Structured logger
//
// Returns:
//   - *Repository: Initialized repository instance
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "settings").Logger(),
	}
}

// Get retrieves a setting value by key.
// Returns nil if the setting doesn't exist (not an error).
//
// Parameters:
//   - key: Setting key (e.g., "ai_recurrence_minutes", "finnhub_api_key")
//
// Returns:
//   - *string: Setting value if found, nil if not found
//   - error: Error if query fails
func (r *Repository) Get(key string) (*string, error) {
	var value string
	err := r.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return &value, nil
}

// Set sets a setting value, inserting or updating it.
//
// Parameters:
//   - key: Setting key
//   - value: Setting value (stored as string)
//
// Returns:
//   - error: Error if database operation fails
func (r *Repository) Set(key string, value string) error {
	_, err := r.db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// GetAll retrieves all settings as a map.
//
// Returns:
//   - map[string]string: Map of setting keys to values
//   - error: Error if query fails
func (r *Repository) GetAll() (map[string]string, error) {
	rows, err := r.db.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to get all settings: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan setting row")
			continue
		}
		result[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settings: %w", err)
	}

	return result, nil
}

// GetFloat retrieves a setting value as float64.
// Returns defaultValue if the setting doesn't exist or parsing fails.
func (r *Repository) GetFloat(key string, defaultValue float64) (float64, error) {
	value, err := r.Get(key)
	if err != nil {
		return defaultValue, err
	}
	if value == nil {
		return defaultValue, nil
	}

	floatVal, err := strconv.ParseFloat(*value, 64)
	if err != nil {
		r.log.Warn().
			Err(err).
			Str("key", key).
			Str("value", *value).
			Msg("Failed to parse float setting")
		return defaultValue, nil
	}

	return floatVal, nil
}

// GetInt retrieves a setting value as integer.
// Handles "12.0" strings by parsing via float first.
func (r *Repository) GetInt(key string, defaultValue int) (int, error) {
	f, err := r.GetFloat(key, float64(defaultValue))
	if err != nil {
		return defaultValue, err
	}
	return int(f), nil
}

// GetBool retrieves a setting value as bool. "1", "1.0", "true" are true.
func (r *Repository) GetBool(key string, defaultValue bool) (bool, error) {
	value, err := r.Get(key)
	if err != nil {
		return defaultValue, err
	}
	if value == nil {
		return defaultValue, nil
	}

	switch strings.ToLower(strings.TrimSpace(*value)) {
	case "1", "1.0", "true", "yes", "on":
		return true, nil
	case "0", "0.0", "false", "no", "off":
		return false, nil
	}

	r.log.Warn().Str("key", key).Str("value", *value).Msg("Failed to parse bool setting")
	return defaultValue, nil
}

// Load builds the runtime settings, using defaults for anything not stored.
// A stored AI recurrence outside the offered intervals falls back to the default.
func (r *Repository) Load(defaults Settings) (Settings, error) {
	s := defaults
	var err error

	minutes, err := r.GetInt(KeyAIRecurrenceMinutes, defaults.AIRecurrenceMinutes)
	if err != nil {
		return defaults, err
	}
	if ValidRecurrence(minutes) {
		s.AIRecurrenceMinutes = minutes
	} else if minutes != defaults.AIRecurrenceMinutes {
		r.log.Warn().Int("minutes", minutes).Msg("Ignoring unsupported AI recurrence")
	}

	if s.PatternScanEnabled, err = r.GetBool(KeyPatternScanEnabled, defaults.PatternScanEnabled); err != nil {
		return defaults, err
	}
	if s.RealtimeEnabled, err = r.GetBool(KeyRealtimeEnabled, defaults.RealtimeEnabled); err != nil {
		return defaults, err
	}
	if s.ConfidenceThreshold, err = r.GetFloat(KeyConfidenceThreshold, defaults.ConfidenceThreshold); err != nil {
		return defaults, err
	}

	strs := []struct {
		key    string
		target *string
	}{
		{KeyStreamAPIKey, &s.StreamAPIKey},
		{KeyFinnhubAPIKey, &s.FinnhubAPIKey},
		{KeyFinnhubTier, &s.FinnhubTier},
	}
	for _, f := range strs {
		value, err := r.Get(f.key)
		if err != nil {
			return defaults, err
		}
		if value != nil && *value != "" {
			*f.target = *value
		}
	}

	watchlist, err := r.Get(KeyWatchlist)
	if err != nil {
		return defaults, err
	}
	if watchlist != nil && strings.TrimSpace(*watchlist) != "" {
		s.Watchlist = splitSymbols(*watchlist)
	}

	if s.ConfidenceThreshold <= 0 || s.ConfidenceThreshold > 1 {
		s.ConfidenceThreshold = DefaultConfidenceThreshold
	}

	return s, nil
}

func splitSymbols(raw string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range strings.Split(raw, ",") {
		sym := strings.ToUpper(strings.TrimSpace(p))
		if sym != "" && !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	return out
}

// Provider serves the current settings with fixed defaults
type Provider struct {
	repo     *Repository
	defaults Settings
}

// NewProvider creates a settings provider
func NewProvider(repo *Repository, defaults Settings) *Provider {
	return &Provider{repo: repo, defaults: defaults}
}

// Current loads the settings from the database
func (p *Provider) Current() (Settings, error) {
	return p.repo.Load(p.defaults)
}
