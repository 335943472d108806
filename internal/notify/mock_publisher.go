package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"patiowatch/internal/database"
)

// MockPublisher logs alerts instead of publishing to Kafka. Used when
// the fan-out topic is disabled or Kafka is unavailable locally.
type MockPublisher struct {
	topic string
}

// NewMock creates a publisher that logs alerts instead of writing them
// to Kafka.
func NewMock(topic string) *MockPublisher {
	slog.Info("Using mock alert publisher (no Kafka connection)", "topic", topic)
	return &MockPublisher{topic: topic}
}

// Publish logs the alert as JSON.
func (p *MockPublisher) Publish(ctx context.Context, alert *database.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert %s: %w", alert.ID, err)
	}
	slog.Info("Mock publish (alert logged, not sent to Kafka)",
		"topic", p.topic,
		"alert_id", alert.ID,
		"severity", alert.Severity,
		"alert_json", string(payload),
	)
	return nil
}

// Close is a no-op for the mock publisher.
func (p *MockPublisher) Close() error {
	return nil
}
