package alerts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/pulse/internal/domain"
)

// ErrInvalidAlert is returned when an alert fails validation
var ErrInvalidAlert = errors.New("invalid alert")

// Repository stores price alerts
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewRepository creates an alert repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "alerts").Logger(),
		now: time.Now,
	}
}

// Create validates and stores a new alert
func (r *Repository) Create(ctx context.Context, symbol string, condition domain.AlertCondition, value float64) (*domain.PriceAlert, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidAlert)
	}
	if !condition.Valid() {
		return nil, fmt.Errorf("%w: unknown condition %q", ErrInvalidAlert, condition)
	}
	if condition.RequiresPreviousPrice() && value <= 0 {
		return nil, fmt.Errorf("%w: percent threshold must be positive", ErrInvalidAlert)
	}

	alert := &domain.PriceAlert{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Condition: condition,
		Value:     value,
		CreatedAt: r.now().Truncate(time.Second),
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO price_alerts (id, symbol, condition, value, triggered, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, alert.ID, alert.Symbol, string(alert.Condition), alert.Value, alert.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}

	return alert, nil
}

// ListActive returns every alert that has not triggered yet
func (r *Repository) ListActive(ctx context.Context) ([]domain.PriceAlert, error) {
	return r.query(ctx, "WHERE triggered = 0")
}

// List returns every alert, newest first
func (r *Repository) List(ctx context.Context) ([]domain.PriceAlert, error) {
	return r.query(ctx, "")
}

func (r *Repository) query(ctx context.Context, where string) ([]domain.PriceAlert, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, symbol, condition, value, triggered, created_at, triggered_at
		FROM price_alerts `+where+`
		ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []domain.PriceAlert
	for rows.Next() {
		var a domain.PriceAlert
		var condition string
		var triggered int
		var createdAt int64
		var triggeredAt sql.NullInt64
		if err := rows.Scan(&a.ID, &a.Symbol, &condition, &a.Value, &triggered, &createdAt, &triggeredAt); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan alert row")
			continue
		}
		a.Condition = domain.AlertCondition(condition)
		a.Triggered = triggered == 1
		a.CreatedAt = time.Unix(createdAt, 0)
		if triggeredAt.Valid {
			t := time.Unix(triggeredAt.Int64, 0)
			a.TriggeredAt = &t
		}
		alerts = append(alerts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return alerts, nil
}

// MarkTriggered flips the triggered flag. It returns false if the alert was
// already triggered or does not exist, so each alert is marked exactly once.
func (r *Repository) MarkTriggered(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE price_alerts SET triggered = 1, triggered_at = ?
		WHERE id = ? AND triggered = 0
	`, at.Unix(), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark alert %s triggered: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Delete removes an alert
func (r *Repository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM price_alerts WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete alert %s: %w", id, err)
	}
	return nil
}
