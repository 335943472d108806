// Package publisher is the producer-facing facade over the sender and
// the durable outbox. Delivery failures are absorbed into the outbox
// and never raised to the code that originated the event; only a
// failure to persist locally is surfaced, because losing durability
// defeats the subsystem's purpose.
package publisher

import (
	"context"
	"fmt"
	"log/slog"

	"patiowatch/internal/event"
	"patiowatch/internal/outbox"
	"patiowatch/internal/sender"
)

// Deliverer performs one network send attempt.
type Deliverer interface {
	Send(ctx context.Context, ev event.Event) sender.Result
}

// Publisher sends events with at-least-once semantics.
type Publisher struct {
	deliver Deliverer
	store   outbox.Store
}

// New creates a publisher over the given sender and outbox store.
func New(deliver Deliverer, store outbox.Store) *Publisher {
	return &Publisher{deliver: deliver, store: store}
}

// Publish attempts immediate delivery. On ack the event is never
// persisted. On rejection or transport failure the event is written to
// the outbox for the flusher to redrive; a permanent rejection goes
// straight to the dead-letter store instead of retrying forever.
// The returned result reflects the immediate attempt only.
func (p *Publisher) Publish(ctx context.Context, ev event.Event) (sender.Result, error) {
	if err := ev.Validate(); err != nil {
		return sender.Result{}, fmt.Errorf("refusing to publish invalid event: %w", err)
	}

	res := p.deliver.Send(ctx, ev)
	if res.Outcome == sender.Acked {
		slog.Info("Event delivered",
			"event_id", ev.ID,
			"alert_id", res.AlertID,
			"idempotent", res.Idempotent,
		)
		return res, nil
	}

	if err := p.store.Enqueue(ctx, ev); err != nil {
		return res, fmt.Errorf("failed to queue event %s after delivery failure: %w", ev.ID, err)
	}

	if res.Permanent() {
		reason := fmt.Sprintf("permanent rejection (status %d)", res.StatusCode)
		if err := p.store.MoveToDeadLetter(ctx, ev.ID, reason); err != nil {
			return res, fmt.Errorf("failed to dead-letter event %s: %w", ev.ID, err)
		}
		return res, nil
	}

	slog.Info("Event queued for retry",
		"event_id", ev.ID,
		"outcome", res.Outcome.String(),
	)
	return res, nil
}
