// Package flusher periodically drains the durable outbox, redriving
// queued events through the sender. One flusher instance runs per
// producer process and at most one flush run is in flight at a time,
// so the flush loop and the immediate send path never race on the same
// record.
package flusher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"patiowatch/internal/outbox"
	"patiowatch/internal/sender"
)

// ErrFlushInProgress is returned when a flush is triggered while a
// prior run is still outstanding.
var ErrFlushInProgress = errors.New("flush already in progress")

const (
	// DefaultBatchSize bounds how many records one run redrives.
	DefaultBatchSize = 10
	// DefaultMaxAttempts is how many failed redrives a record survives
	// before it is dead-lettered.
	DefaultMaxAttempts = 10
	// DefaultInterval spaces periodic flush runs.
	DefaultInterval = 2 * time.Second
)

// Deliverer redrives one serialized record.
type Deliverer interface {
	SendPayload(ctx context.Context, id string, payload []byte) sender.Result
}

// Summary reports one flush run.
type Summary struct {
	Sent    int `json:"sent"`
	Pending int `json:"pending"`
}

// Options tune a Flusher. Zero values fall back to defaults.
type Options struct {
	BatchSize   int
	MaxAttempts int
	Interval    time.Duration
	ItemTimeout time.Duration
	Backoff     BackoffConfig

	// Now and RNG exist for deterministic tests.
	Now func() time.Time
	RNG *rand.Rand
}

// Flusher redrives outbox records until they are acked or dead-lettered.
type Flusher struct {
	store       outbox.Store
	deliver     Deliverer
	batchSize   int
	maxAttempts int
	interval    time.Duration
	itemTimeout time.Duration
	backoff     BackoffConfig
	now         func() time.Time
	rng         *rand.Rand
	running     atomic.Bool
}

// New creates a flusher over the given store and deliverer.
func New(store outbox.Store, deliver Deliverer, opts Options) *Flusher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = sender.DefaultTimeout
	}
	if opts.Backoff.BaseDelay <= 0 && opts.Backoff.MaxDelay <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Flusher{
		store:       store,
		deliver:     deliver,
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		interval:    opts.Interval,
		itemTimeout: opts.ItemTimeout,
		backoff:     opts.Backoff,
		now:         opts.Now,
		rng:         opts.RNG,
	}
}

// FlushOnce drains up to one batch of due records. Records are retried
// oldest-first; each outcome either acks, reschedules with backoff, or
// dead-letters the record. A store failure aborts the run and surfaces,
// since the durability guarantee depends on the store.
func (f *Flusher) FlushOnce(ctx context.Context) (Summary, error) {
	if !f.running.CompareAndSwap(false, true) {
		return Summary{}, ErrFlushInProgress
	}
	defer f.running.Store(false)

	records, err := f.store.DequeueBatch(ctx, f.batchSize, f.now())
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read outbox batch: %w", err)
	}
	if len(records) == 0 {
		return Summary{}, nil
	}

	var sent, removed int
	for _, rec := range records {
		itemCtx, cancel := context.WithTimeout(ctx, f.itemTimeout)
		res := f.deliver.SendPayload(itemCtx, rec.ID, rec.Payload)
		cancel()

		switch {
		case res.Outcome == sender.Acked:
			if err := f.store.Ack(ctx, rec.ID); err != nil {
				return Summary{Sent: sent, Pending: len(records) - sent - removed}, fmt.Errorf("failed to ack event %s: %w", rec.ID, err)
			}
			sent++
			slog.Info("Queued event delivered",
				"event_id", rec.ID,
				"alert_id", res.AlertID,
				"attempts", rec.Attempts,
				"idempotent", res.Idempotent,
			)

		case res.Permanent():
			reason := fmt.Sprintf("permanent rejection (status %d)", res.StatusCode)
			if err := f.store.MoveToDeadLetter(ctx, rec.ID, reason); err != nil {
				return Summary{Sent: sent, Pending: len(records) - sent - removed}, fmt.Errorf("failed to dead-letter event %s: %w", rec.ID, err)
			}
			removed++

		default:
			attempts := rec.Attempts + 1
			if attempts >= f.maxAttempts {
				reason := fmt.Sprintf("max attempts exceeded (%d)", attempts)
				if err := f.store.MoveToDeadLetter(ctx, rec.ID, reason); err != nil {
					return Summary{Sent: sent, Pending: len(records) - sent - removed}, fmt.Errorf("failed to dead-letter event %s: %w", rec.ID, err)
				}
				removed++
				continue
			}
			errText := res.Outcome.String()
			if res.Err != nil {
				errText = res.Err.Error()
			}
			next := NextAttemptAt(f.now(), attempts, f.backoff, f.rng)
			if err := f.store.BumpAttempts(ctx, rec.ID, errText, next); err != nil {
				return Summary{Sent: sent, Pending: len(records) - sent - removed}, fmt.Errorf("failed to record failed attempt for event %s: %w", rec.ID, err)
			}
		}
	}

	summary := Summary{Sent: sent, Pending: len(records) - sent - removed}
	slog.Info("Flush run finished", "sent", summary.Sent, "pending", summary.Pending)
	return summary, nil
}

// Run flushes on a fixed interval until the context is cancelled.
// A tick that fires while a triggered flush is still running is
// skipped rather than overlapped.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	slog.Info("Retry flusher started",
		"interval", f.interval,
		"batch_size", f.batchSize,
		"max_attempts", f.maxAttempts,
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Retry flusher stopped")
			return
		case <-ticker.C:
			if _, err := f.FlushOnce(ctx); err != nil {
				if errors.Is(err, ErrFlushInProgress) {
					slog.Debug("Skipping flush tick, prior run still in flight")
					continue
				}
				slog.Error("Flush run failed", "error", err)
			}
		}
	}
}
