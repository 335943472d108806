// Package sender performs single delivery attempts of anomaly events to
// the ingestion API. Every attempt carries an idempotency header equal
// to the event id, so the consumer can collapse duplicate deliveries.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"patiowatch/internal/event"
)

const (
	// DefaultTimeout bounds one delivery attempt. A hung network call
	// must not stall the flusher.
	DefaultTimeout = 5 * time.Second

	headerIdempotencyKey = "Idempotency-Key"
	headerCorrelationID  = "X-Correlation-Id"
)

// Outcome classifies one delivery attempt.
type Outcome int

const (
	// Acked means the consumer durably applied the event (2xx).
	Acked Outcome = iota
	// Rejected means the consumer answered with a non-2xx status.
	Rejected
	// TransportFailure means the attempt never produced an application
	// response (connection refused, timeout, DNS).
	TransportFailure
)

// String returns the outcome name for logs.
func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case Rejected:
		return "rejected"
	default:
		return "transport_failure"
	}
}

// Result is the outcome of one send attempt. AlertID and Idempotent are
// populated only when the attempt was acked.
type Result struct {
	Outcome    Outcome
	StatusCode int
	AlertID    string
	Idempotent bool
	Err        error
}

// Permanent reports whether a rejection cannot succeed on retry.
// Malformed payloads (400), oversized bodies (413), and semantic
// validation failures (422) are the documented permanent-rejection
// codes; everything else is treated as transient.
func (r Result) Permanent() bool {
	if r.Outcome != Rejected {
		return false
	}
	switch r.StatusCode {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// ackBody is the consumer's acknowledgment payload.
type ackBody struct {
	AlertID    string `json:"alertId"`
	Status     string `json:"status"`
	Idempotent bool   `json:"idempotent"`
}

// Sender posts events to the ingestion API.
type Sender struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a sender for the given base URL. The bearer token may be
// empty when the receiver does not require authentication.
func New(baseURL, token string, timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Sender{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Send serializes the event and performs one delivery attempt.
func (s *Sender) Send(ctx context.Context, ev event.Event) Result {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Result{Outcome: TransportFailure, Err: fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)}
	}
	return s.SendPayload(ctx, ev.ID, payload)
}

// SendPayload performs one delivery attempt of an already-serialized
// event. The id is used as both the idempotency key and the correlation
// id, so redrives of the same record are collapsed by the consumer.
func (s *Sender) SendPayload(ctx context.Context, id string, payload []byte) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/events", bytes.NewReader(payload))
	if err != nil {
		return Result{Outcome: TransportFailure, Err: fmt.Errorf("failed to build request for event %s: %w", id, err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerIdempotencyKey, id)
	req.Header.Set(headerCorrelationID, id)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Warn("Event delivery attempt failed",
			"event_id", id,
			"outcome", TransportFailure.String(),
			"error", err,
		)
		return Result{Outcome: TransportFailure, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ack ackBody
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			// The 2xx alone licenses discarding the local copy; a
			// missing body just loses the alert id.
			slog.Warn("Acked response had no decodable body", "event_id", id, "error", err)
		}
		return Result{
			Outcome:    Acked,
			StatusCode: resp.StatusCode,
			AlertID:    ack.AlertID,
			Idempotent: ack.Idempotent,
		}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	res := Result{
		Outcome:    Rejected,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("receiver rejected event %s: status %d: %s", id, resp.StatusCode, strings.TrimSpace(string(body))),
	}
	slog.Warn("Event delivery rejected",
		"event_id", id,
		"status", resp.StatusCode,
		"permanent", res.Permanent(),
	)
	return res
}
