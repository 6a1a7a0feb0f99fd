package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key is missing or expired
var ErrNotFound = errors.New("cache entry not found")

// Store provides simple key-value storage with expiration.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new store over a database holding the cache table.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Set stores a value with expiration = now + ttl.
func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	expiresAt := s.now().Add(ttl).Unix()
	_, err := s.db.Exec(`
		INSERT INTO cache (key, value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at
	`, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// Get returns the value for key, or ErrNotFound if it is missing or expired.
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRow("SELECT value, expires_at FROM cache WHERE key = ?", key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	if s.now().Unix() >= expiresAt {
		return nil, ErrNotFound
	}
	return value, nil
}

// SetJSON stores a value as JSON.
func (s *Store) SetJSON(key string, value interface{}, ttl time.Duration) error {
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.Set(key, jsonData, ttl)
}

// GetJSON retrieves a JSON value and unmarshals it into dest.
func (s *Store) GetJSON(key string, dest interface{}) error {
	data, err := s.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Delete removes an entry.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec("DELETE FROM cache WHERE key = ?", key)
	return err
}

// DeleteExpired removes all expired entries and returns how many were removed.
func (s *Store) DeleteExpired() (int64, error) {
	result, err := s.db.Exec("DELETE FROM cache WHERE expires_at <= ?", s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	return result.RowsAffected()
}
