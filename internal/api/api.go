// Package api provides HTTP handlers for the ingestor service.
package api

import (
	"context"

	"patiowatch/internal/database"
	"patiowatch/internal/event"
	"patiowatch/internal/ingest"
)

// Ingestor defines the interface for idempotent event ingestion.
// This interface allows for dependency injection and easier testing.
type Ingestor interface {
	Ingest(ctx context.Context, key string, ev event.Event) (ingest.Result, error)
}

// AlertRepository defines the interface for alert read and resolve
// operations. This allows handlers to be tested without a real database.
type AlertRepository interface {
	GetAlert(ctx context.Context, alertID string) (*database.Alert, error)
	ListAlerts(ctx context.Context, active bool) ([]*database.Alert, error)
	ResolveAlert(ctx context.Context, alertID, resolvedBy string) error
}

// MetricsRecorder defines the interface for recording metrics.
// A no-op implementation avoids nil checks in handlers.
type MetricsRecorder interface {
	RecordReceived()
	RecordIngested()
	RecordIdempotentHit()
	RecordError()
}

// NoOpMetrics is a no-op implementation of MetricsRecorder.
type NoOpMetrics struct{}

var _ MetricsRecorder = (*NoOpMetrics)(nil)

func (NoOpMetrics) RecordReceived()      {}
func (NoOpMetrics) RecordIngested()      {}
func (NoOpMetrics) RecordIdempotentHit() {}
func (NoOpMetrics) RecordError()         {}

// Handlers wraps dependencies for HTTP handlers.
type Handlers struct {
	ingestor Ingestor
	repo     AlertRepository
	metrics  MetricsRecorder
}

// NewHandlers creates a new handlers instance. If metrics is nil, a
// no-op implementation is used.
func NewHandlers(ingestor Ingestor, repo AlertRepository, metrics MetricsRecorder) *Handlers {
	if metrics == nil {
		metrics = NoOpMetrics{}
	}
	return &Handlers{
		ingestor: ingestor,
		repo:     repo,
		metrics:  metrics,
	}
}
