// Package database provides the consumer-side persistence layer:
// alerts and the idempotency ledger that maps event keys to the alert
// each one produced.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// pqUniqueViolation is the Postgres error code for a unique constraint
// conflict.
const pqUniqueViolation = "23505"

var (
	// ErrAlertNotFound is returned when an alert id does not exist.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrAlertResolved is returned when resolving an already-resolved
	// alert.
	ErrAlertResolved = errors.New("alert already resolved")
)

// Alert is a durable alert record. MotoID and Zone are empty when the
// originating event carried no usable metadata.
type Alert struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Severity    string     `json:"severity"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	MotoID      string     `json:"motoId,omitempty"`
	Zone        string     `json:"zone,omitempty"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy  string     `json:"resolvedBy,omitempty"`
}

// DB wraps a database connection and provides alert and ledger
// operations.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection using the provided DSN.
func NewDB(dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Successfully connected to PostgreSQL database")

	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		slog.Info("Closing database connection")
		return db.conn.Close()
	}
	return nil
}

// EnsureSchema creates the alert and ledger tables if they do not
// exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id          TEXT PRIMARY KEY,
			type        TEXT NOT NULL,
			severity    TEXT NOT NULL,
			title       TEXT NOT NULL,
			description TEXT,
			moto_id     TEXT,
			zone        TEXT,
			active      BOOLEAN NOT NULL DEFAULT TRUE,
			created_at  TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ,
			resolved_by TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS iot_events (
			idempotency_key TEXT PRIMARY KEY,
			alert_id        TEXT NOT NULL REFERENCES alerts(id),
			created_at      TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := db.conn.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// ============================================================================
// Idempotent materialization
// ============================================================================

// CreateAlertWithKey creates the alert and the ledger row for the key
// as one atomic unit of work. The ledger's primary key is the decision
// point for concurrent duplicates: whoever inserts the key first wins,
// and every other caller reads back the winner's alert id. Returns the
// alert id and whether the call was resolved idempotently.
func (db *DB) CreateAlertWithKey(ctx context.Context, key string, alert *Alert) (string, bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	alertQuery := `
		INSERT INTO alerts (id, type, severity, title, description, moto_id, zone, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)
	`
	_, err = tx.ExecContext(ctx, alertQuery,
		alert.ID,
		alert.Type,
		alert.Severity,
		alert.Title,
		nullable(alert.Description),
		nullable(alert.MotoID),
		nullable(alert.Zone),
		alert.CreatedAt,
	)
	if err != nil {
		return "", false, fmt.Errorf("failed to create alert: %w", err)
	}

	ledgerQuery := `
		INSERT INTO iot_events (idempotency_key, alert_id, created_at)
		VALUES ($1, $2, $3)
	`
	_, err = tx.ExecContext(ctx, ledgerQuery, key, alert.ID, alert.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
			// Lost the race: discard our alert and return the winner's.
			tx.Rollback()
			winner, lookupErr := db.lookupKey(ctx, key)
			if lookupErr != nil {
				return "", false, fmt.Errorf("failed to read back winner for key %s: %w", key, lookupErr)
			}
			return winner, true, nil
		}
		return "", false, fmt.Errorf("failed to record idempotency key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("failed to commit ingest transaction: %w", err)
	}
	return alert.ID, false, nil
}

// lookupKey reads the ledger row for a key.
func (db *DB) lookupKey(ctx context.Context, key string) (string, error) {
	var alertID string
	query := `SELECT alert_id FROM iot_events WHERE idempotency_key = $1`
	err := db.conn.QueryRowContext(ctx, query, key).Scan(&alertID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("ledger row missing for key %s", key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return alertID, nil
}

// ============================================================================
// Alert Operations
// ============================================================================

// GetAlert retrieves an alert by ID.
func (db *DB) GetAlert(ctx context.Context, alertID string) (*Alert, error) {
	query := `
		SELECT id, type, severity, title, description, moto_id, zone, active, created_at, resolved_at, resolved_by
		FROM alerts
		WHERE id = $1
	`
	alert, err := scanAlert(db.conn.QueryRowContext(ctx, query, alertID))
	if err == sql.ErrNoRows {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return alert, nil
}

// ListAlerts retrieves alerts filtered by their active flag, newest
// first.
func (db *DB) ListAlerts(ctx context.Context, active bool) ([]*Alert, error) {
	query := `
		SELECT id, type, severity, title, description, moto_id, zone, active, created_at, resolved_at, resolved_by
		FROM alerts
		WHERE active = $1
		ORDER BY created_at DESC
	`
	rows, err := db.conn.QueryContext(ctx, query, active)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// ResolveAlert marks an active alert as resolved by an operator. This
// transition is outside the idempotent ingestion core; it never touches
// the ledger.
func (db *DB) ResolveAlert(ctx context.Context, alertID, resolvedBy string) error {
	query := `
		UPDATE alerts
		SET active = FALSE,
		    resolved_at = $2,
		    resolved_by = $3
		WHERE id = $1 AND active = TRUE
	`
	result, err := db.conn.ExecContext(ctx, query, alertID, time.Now().UTC(), nullable(resolvedBy))
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		checkQuery := `SELECT EXISTS(SELECT 1 FROM alerts WHERE id = $1)`
		if err := db.conn.QueryRowContext(ctx, checkQuery, alertID).Scan(&exists); err == nil && exists {
			return ErrAlertResolved
		}
		return ErrAlertNotFound
	}
	return nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(s scanner) (*Alert, error) {
	var alert Alert
	var description, motoID, zone, resolvedBy sql.NullString
	var resolvedAt sql.NullTime
	if err := s.Scan(
		&alert.ID,
		&alert.Type,
		&alert.Severity,
		&alert.Title,
		&description,
		&motoID,
		&zone,
		&alert.Active,
		&alert.CreatedAt,
		&resolvedAt,
		&resolvedBy,
	); err != nil {
		return nil, err
	}
	alert.Description = description.String
	alert.MotoID = motoID.String
	alert.Zone = zone.String
	alert.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		alert.ResolvedAt = &t
	}
	return &alert, nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
