// Package ingest converts inbound anomaly events into durable alerts
// exactly once per idempotency key. The ledger insert is the single
// serialization point: concurrent first-arrivals for the same key
// resolve deterministically to one winner, and every later delivery of
// the key observes the winner's alert.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"patiowatch/internal/database"
	"patiowatch/internal/event"
)

// ErrMissingKey is returned when an ingestion carries no idempotency
// key. The system refuses to process non-idempotent submissions rather
// than guess a key.
var ErrMissingKey = errors.New("idempotency key is required")

// Store is the persistence contract the service materializes alerts
// through.
type Store interface {
	CreateAlertWithKey(ctx context.Context, key string, alert *database.Alert) (alertID string, idempotent bool, err error)
}

// AlertPublisher fans a freshly created alert out to downstream
// consumers. Publishing is best effort and never fails an ingestion.
type AlertPublisher interface {
	Publish(ctx context.Context, alert *database.Alert) error
}

// Result is the outcome of one ingestion.
type Result struct {
	AlertID    string
	Idempotent bool
}

// Service materializes alerts from events.
type Service struct {
	store     Store
	publisher AlertPublisher // may be nil
	now       func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithPublisher attaches a downstream alert publisher.
func WithPublisher(p AlertPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock overrides the clock. Test hook.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an ingestion service over the given store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest resolves one inbound event. On first sight of the key it
// derives alert fields from the event and creates the alert and the
// ledger row as one atomic unit of work; on any later sight it returns
// the previously created alert id with no side effects. Once the
// ledger decision is made the materialization runs to completion; a
// failure aborts the whole unit of work.
func (s *Service) Ingest(ctx context.Context, key string, ev event.Event) (Result, error) {
	if key == "" {
		return Result{}, ErrMissingKey
	}
	if err := ev.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid event: %w", err)
	}

	alert := deriveAlert(ev, s.now())
	alertID, idempotent, err := s.store.CreateAlertWithKey(ctx, key, alert)
	if err != nil {
		return Result{}, fmt.Errorf("failed to ingest event %s: %w", key, err)
	}

	if idempotent {
		slog.Info("Idempotent request for event", "idempotency_key", key, "alert_id", alertID)
		return Result{AlertID: alertID, Idempotent: true}, nil
	}

	slog.Info("Alert created from event",
		"idempotency_key", key,
		"alert_id", alertID,
		"type", alert.Type,
		"severity", alert.Severity,
		"zone", alert.Zone,
	)

	if s.publisher != nil {
		alert.ID = alertID
		if err := s.publisher.Publish(ctx, alert); err != nil {
			// Downstream fan-out is best effort; the alert is already
			// durable.
			slog.Error("Failed to publish created alert", "alert_id", alertID, "error", err)
		}
	}

	return Result{AlertID: alertID, Idempotent: false}, nil
}
