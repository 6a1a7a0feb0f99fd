package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/pulse/internal/database"
	"github.com/aristath/pulse/internal/domain"
)

// Audit log retention
const (
	ResolvedRetention   = 7 * 24 * time.Hour
	UnresolvedRetention = 30 * 24 * time.Hour
	MaxErrorLogEntries  = 200
)

// ErrorEntry is one persisted error
type ErrorEntry struct {
	ID         string         `json:"id"`
	Service    domain.Service `json:"service"`
	Message    string         `json:"message"`
	OccurredAt time.Time      `json:"occurred_at"`
	Resolved   bool           `json:"resolved"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// ErrorRepository persists the error audit log in SQLite
type ErrorRepository struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewErrorRepository creates an error log repository
func NewErrorRepository(db *sql.DB, log zerolog.Logger) *ErrorRepository {
	return &ErrorRepository{
		db:  db,
		log: log.With().Str("repository", "error_log").Logger(),
		now: time.Now,
	}
}

// PersistError inserts an entry unless the same service and message were
// recorded within the dedupe window. The log is trimmed to MaxErrorLogEntries.
func (r *ErrorRepository) PersistError(ctx context.Context, service domain.Service, message string, opts PersistOptions) (bool, error) {
	now := r.now()
	inserted := false

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if opts.DedupeWindow > 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM error_log
				WHERE service = ? AND message = ? AND occurred_at > ?
			`, string(service), message, now.Add(-opts.DedupeWindow).Unix()).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to check duplicates: %w", err)
			}
			if exists > 0 {
				return nil
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO error_log (id, service, message, occurred_at, resolved)
			VALUES (?, ?, ?, ?, 0)
		`, uuid.NewString(), string(service), message, now.Unix())
		if err != nil {
			return fmt.Errorf("failed to insert error: %w", err)
		}
		inserted = true

		return trimToCap(ctx, tx)
	})
	if err != nil {
		return false, err
	}

	return inserted, nil
}

func trimToCap(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM error_log WHERE id IN (
			SELECT id FROM error_log
			ORDER BY occurred_at DESC, rowid DESC
			LIMIT -1 OFFSET ?
		)
	`, MaxErrorLogEntries)
	if err != nil {
		return fmt.Errorf("failed to trim error log: %w", err)
	}
	return nil
}

// Resolve marks every unresolved entry of the service as resolved
func (r *ErrorRepository) Resolve(ctx context.Context, service domain.Service) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE error_log SET resolved = 1, resolved_at = ?
		WHERE service = ? AND resolved = 0
	`, r.now().Unix(), string(service))
	if err != nil {
		return fmt.Errorf("failed to resolve errors for %s: %w", service, err)
	}
	return nil
}

// Purge applies the retention rules and the entry cap. Returns the number of deleted entries.
func (r *ErrorRepository) Purge(ctx context.Context) (int64, error) {
	now := r.now()
	var total int64

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM error_log
			WHERE (resolved = 1 AND occurred_at < ?)
			   OR (resolved = 0 AND occurred_at < ?)
		`, now.Add(-ResolvedRetention).Unix(), now.Add(-UnresolvedRetention).Unix())
		if err != nil {
			return fmt.Errorf("failed to purge old errors: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n

		before := 0
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM error_log").Scan(&before); err != nil {
			return err
		}
		if err := trimToCap(ctx, tx); err != nil {
			return err
		}
		if before > MaxErrorLogEntries {
			total += int64(before - MaxErrorLogEntries)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if total > 0 {
		r.log.Debug().Int64("deleted", total).Msg("Purged error log")
	}
	return total, nil
}

// List returns the newest entries first
func (r *ErrorRepository) List(ctx context.Context, limit int) ([]ErrorEntry, error) {
	if limit <= 0 || limit > MaxErrorLogEntries {
		limit = MaxErrorLogEntries
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, service, message, occurred_at, resolved, resolved_at
		FROM error_log
		ORDER BY occurred_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list errors: %w", err)
	}
	defer rows.Close()

	var entries []ErrorEntry
	for rows.Next() {
		var e ErrorEntry
		var service string
		var occurredAt int64
		var resolved int
		var resolvedAt sql.NullInt64
		if err := rows.Scan(&e.ID, &service, &e.Message, &occurredAt, &resolved, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan error entry: %w", err)
		}
		e.Service = domain.Service(service)
		e.OccurredAt = time.Unix(occurredAt, 0)
		e.Resolved = resolved == 1
		if resolvedAt.Valid {
			t := time.Unix(resolvedAt.Int64, 0)
			e.ResolvedAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of stored entries
func (r *ErrorRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM error_log").Scan(&n)
	return n, err
}
