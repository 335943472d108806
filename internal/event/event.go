// Package event defines the anomaly event emitted by edge devices.
// An event is immutable once created; its ID doubles as the idempotency
// key, so retransmissions of the same occurrence must reuse the same ID.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Known anomaly types reported by the vision pipeline.
const (
	TypeParkingOutOfSpot     = "PARKING_OUT_OF_SPOT"
	TypeUnauthorizedMovement = "UNAUTHORIZED_MOVEMENT"
	TypeMissingMoto          = "MISSING_MOTO"
	TypeLowConfidence        = "LOW_CONFIDENCE_DETECTION"
)

// Location is an optional lat/lng pair attached to an event.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Event describes one detected anomaly. The JSON shape is the wire
// contract for POST /events.
type Event struct {
	ID         string            `json:"id"`
	DeviceID   string            `json:"deviceId"`
	Type       string            `json:"type,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Confidence float64           `json:"confidence"`
	ImageURL   string            `json:"imageUrl,omitempty"`
	Location   *Location         `json:"location,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// New creates an event with a generated "evt-" prefixed ID and the
// current UTC timestamp.
func New(deviceID, eventType string, confidence float64) Event {
	return Event{
		ID:         "evt-" + uuid.NewString(),
		DeviceID:   deviceID,
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		Confidence: confidence,
	}
}

// Validate checks the structural invariants of an event. A failing
// event is a permanent rejection: retrying it cannot succeed.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id cannot be empty")
	}
	if e.DeviceID == "" {
		return fmt.Errorf("deviceId cannot be empty")
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0, got %v", e.Confidence)
	}
	return nil
}
