// Package outbox provides the producer-side durable queue of
// not-yet-acknowledged events. A record enters the outbox when a send
// attempt fails and leaves it only when the consumer acknowledges the
// event (or when it is moved to the dead-letter store after exhausting
// its retries). The system favors redundant delivery over silent loss:
// a crash between send and ack causes one extra delivery attempt, which
// the consumer's idempotency layer absorbs.
package outbox

import (
	"context"
	"errors"
	"time"

	"patiowatch/internal/event"
)

// ErrNotFound is returned when an operation targets a record that is
// not in the outbox.
var ErrNotFound = errors.New("outbox record not found")

// Record is one queued event awaiting acknowledgment.
type Record struct {
	ID            string    `json:"id"`
	Payload       []byte    `json:"payload"`
	CreatedAt     time.Time `json:"created_at"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

// DeadLetter is a record that exhausted its retries or was permanently
// rejected by the consumer. Kept for manual inspection.
type DeadLetter struct {
	Record
	FailedAt time.Time `json:"failed_at"`
	Reason   string    `json:"reason"`
}

// Store is the persistence contract for the outbox. Deleting a record
// happens only through Ack or MoveToDeadLetter.
type Store interface {
	// Enqueue persists a record for the event unless one with the same
	// id already exists. Re-enqueuing the same event id is a no-op.
	Enqueue(ctx context.Context, ev event.Event) error

	// DequeueBatch returns up to limit records whose next attempt is
	// due at now, oldest-first by creation time.
	DequeueBatch(ctx context.Context, limit int, now time.Time) ([]Record, error)

	// Ack deletes the record after a successful acknowledged send.
	Ack(ctx context.Context, id string) error

	// BumpAttempts increments the attempt counter, records the last
	// error, and schedules the next eligible attempt time.
	BumpAttempts(ctx context.Context, id, sendErr string, nextAttemptAt time.Time) error

	// MoveToDeadLetter removes the record from the queue and stores it
	// in the dead-letter table with a reason.
	MoveToDeadLetter(ctx context.Context, id, reason string) error

	// PendingCount reports how many records are still queued.
	PendingCount(ctx context.Context) (int, error)

	// ListDeadLetters returns up to limit dead-lettered records,
	// newest-first.
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}
