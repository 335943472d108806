package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"patiowatch/internal/event"
)

// PostgresStore is the durable Store implementation backed by Postgres.
type PostgresStore struct {
	conn *sql.DB
}

// Ensure PostgresStore implements the Store interface
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open database handle. The caller owns the
// connection lifecycle.
func NewPostgresStore(conn *sql.DB) *PostgresStore {
	return &PostgresStore{conn: conn}
}

// EnsureSchema creates the outbox tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS outbox_events (
			id              TEXT PRIMARY KEY,
			payload         TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT,
			next_attempt_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox_dead_letters (
			id              TEXT PRIMARY KEY,
			payload         TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			attempts        INTEGER NOT NULL,
			last_error      TEXT,
			failed_at       TIMESTAMPTZ NOT NULL,
			reason          TEXT NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.conn.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to ensure outbox schema: %w", err)
		}
	}
	return nil
}

// Enqueue persists the serialized event, ignoring duplicates by id.
func (s *PostgresStore) Enqueue(ctx context.Context, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO outbox_events (id, payload, created_at, attempts, next_attempt_at)
		VALUES ($1, $2, $3, 0, $3)
		ON CONFLICT (id) DO NOTHING
	`
	result, err := s.conn.ExecContext(ctx, query, ev.ID, string(payload), now)
	if err != nil {
		return fmt.Errorf("failed to enqueue event %s: %w", ev.ID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		slog.Debug("Event already queued, enqueue is a no-op", "event_id", ev.ID)
	}
	return nil
}

// DequeueBatch returns due records oldest-first.
func (s *PostgresStore) DequeueBatch(ctx context.Context, limit int, now time.Time) ([]Record, error) {
	query := `
		SELECT id, payload, created_at, attempts, last_error, next_attempt_at
		FROM outbox_events
		WHERE next_attempt_at <= $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := s.conn.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue batch: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var payload string
		var lastError sql.NullString
		if err := rows.Scan(
			&rec.ID,
			&payload,
			&rec.CreatedAt,
			&rec.Attempts,
			&lastError,
			&rec.NextAttemptAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox record: %w", err)
		}
		rec.Payload = []byte(payload)
		if lastError.Valid {
			rec.LastError = lastError.String
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Ack deletes a record. This is the sole deletion trigger outside
// dead-lettering.
func (s *PostgresStore) Ack(ctx context.Context, id string) error {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM outbox_events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to ack event %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpAttempts records a failed redrive, leaving the record in place.
func (s *PostgresStore) BumpAttempts(ctx context.Context, id, sendErr string, nextAttemptAt time.Time) error {
	query := `
		UPDATE outbox_events
		SET attempts = attempts + 1,
		    last_error = $2,
		    next_attempt_at = $3
		WHERE id = $1
	`
	result, err := s.conn.ExecContext(ctx, query, id, sendErr, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to bump attempts for event %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MoveToDeadLetter transactionally moves a record into the dead-letter
// table.
func (s *PostgresStore) MoveToDeadLetter(ctx context.Context, id, reason string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dead-letter transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO outbox_dead_letters (id, payload, created_at, attempts, last_error, failed_at, reason)
		SELECT id, payload, created_at, attempts, last_error, $2, $3
		FROM outbox_events
		WHERE id = $1
	`
	result, err := tx.ExecContext(ctx, query, id, time.Now().UTC(), reason)
	if err != nil {
		return fmt.Errorf("failed to dead-letter event %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox_events WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to remove dead-lettered event %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead-letter transaction: %w", err)
	}

	slog.Warn("Event moved to dead-letter store", "event_id", id, "reason", reason)
	return nil
}

// PendingCount reports the queued record count.
func (s *PostgresStore) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_events`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return count, nil
}

// ListDeadLetters returns dead-lettered records newest-first.
func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	query := `
		SELECT id, payload, created_at, attempts, last_error, failed_at, reason
		FROM outbox_dead_letters
		ORDER BY failed_at DESC
		LIMIT $1
	`
	rows, err := s.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var payload string
		var lastError sql.NullString
		if err := rows.Scan(
			&dl.ID,
			&payload,
			&dl.CreatedAt,
			&dl.Attempts,
			&lastError,
			&dl.FailedAt,
			&dl.Reason,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.Payload = []byte(payload)
		if lastError.Valid {
			dl.LastError = lastError.String
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}
