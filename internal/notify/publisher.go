// Package notify publishes freshly created alerts to Kafka for
// downstream consumers (notification routing, dashboards). Publishing
// is at-least-once; downstream consumers are expected to key on the
// alert id.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"patiowatch/internal/database"
)

// writeTimeout is the maximum time to wait for a Kafka write operation.
const writeTimeout = 10 * time.Second

// Publisher wraps a Kafka writer. Messages are keyed by a hash of the
// alert id so the same alert always maps to the same partition.
type Publisher struct {
	writer *kafka.Writer
	topic  string
}

// New creates a Kafka publisher for the given brokers and topic,
// configured for synchronous at-least-once writes.
func New(brokers, topic string) (*Publisher, error) {
	if brokers == "" {
		return nil, fmt.Errorf("brokers cannot be empty")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}

	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokerList...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	slog.Info("Kafka alert publisher configured",
		"brokers", brokerList,
		"topic", topic,
		"required_acks", "RequireOne",
	)

	return &Publisher{writer: writer, topic: topic}, nil
}

// wireAlert is the JSON shape published to the alert topic.
type wireAlert struct {
	AlertID   string    `json:"alertId"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Title     string    `json:"title"`
	Zone      string    `json:"zone,omitempty"`
	MotoID    string    `json:"motoId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Publish serializes the alert and writes it to the topic.
func (p *Publisher) Publish(ctx context.Context, alert *database.Alert) error {
	payload, err := json.Marshal(wireAlert{
		AlertID:   alert.ID,
		Type:      alert.Type,
		Severity:  alert.Severity,
		Title:     alert.Title,
		Zone:      alert.Zone,
		MotoID:    alert.MotoID,
		CreatedAt: alert.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert %s: %w", alert.ID, err)
	}

	msg := kafka.Message{
		Key:   partitionKey(alert.ID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "severity", Value: []byte(alert.Severity)},
		},
		Time: alert.CreatedAt,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write alert %s to Kafka: %w", alert.ID, err)
	}
	return nil
}

// partitionKey hashes the alert id for deterministic, evenly
// distributed partitioning.
func partitionKey(alertID string) []byte {
	hash := sha256.Sum256([]byte(alertID))
	return hash[:16]
}

// Close gracefully closes the Kafka writer.
func (p *Publisher) Close() error {
	slog.Info("Closing Kafka alert publisher", "topic", p.topic)
	return p.writer.Close()
}
