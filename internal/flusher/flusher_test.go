package flusher

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	"patiowatch/internal/event"
	"patiowatch/internal/outbox"
	"patiowatch/internal/sender"
)

// scriptedDeliverer answers each event id from a mutable script.
type scriptedDeliverer struct {
	mu      sync.Mutex
	results map[string]sender.Result
	calls   map[string]int
	block   chan struct{} // when set, SendPayload waits until closed
}

func newScriptedDeliverer() *scriptedDeliverer {
	return &scriptedDeliverer{
		results: make(map[string]sender.Result),
		calls:   make(map[string]int),
	}
}

func (d *scriptedDeliverer) set(id string, res sender.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[id] = res
}

func (d *scriptedDeliverer) SendPayload(ctx context.Context, id string, payload []byte) sender.Result {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[id]++
	if res, ok := d.results[id]; ok {
		return res
	}
	return sender.Result{Outcome: sender.TransportFailure, Err: errors.New("unscripted")}
}

func zeroBackoffOptions() Options {
	return Options{
		// Zero effective delay so redrives are immediately eligible.
		Backoff: BackoffConfig{BaseDelay: time.Nanosecond, MaxDelay: time.Nanosecond},
	}
}

func TestFlushOnce_ConsumerUnreachableThenRecovers(t *testing.T) {
	store := outbox.NewMemoryStore()
	deliver := newScriptedDeliverer()
	f := New(store, deliver, zeroBackoffOptions())
	ctx := context.Background()

	ev := event.Event{ID: "evt-1", DeviceID: "cam-01", Type: event.TypeParkingOutOfSpot, Confidence: 0.9}
	if err := store.Enqueue(ctx, ev); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Consumer unreachable.
	deliver.set("evt-1", sender.Result{Outcome: sender.TransportFailure, Err: errors.New("connection refused")})
	summary, err := f.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce() error = %v", err)
	}
	if summary.Sent != 0 || summary.Pending != 1 {
		t.Fatalf("expected {sent: 0, pending: 1}, got %+v", summary)
	}

	// Consumer back online.
	deliver.set("evt-1", sender.Result{Outcome: sender.Acked, AlertID: "ALR-1"})
	time.Sleep(time.Millisecond) // let the backoff window elapse
	summary, err = f.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce() error = %v", err)
	}
	if summary.Sent != 1 || summary.Pending != 0 {
		t.Fatalf("expected {sent: 1, pending: 0}, got %+v", summary)
	}

	count, _ := store.PendingCount(ctx)
	if count != 0 {
		t.Errorf("expected empty outbox after ack, pending = %d", count)
	}
}

func TestFlushOnce_AttemptsReachFailureCount(t *testing.T) {
	store := outbox.NewMemoryStore()
	deliver := newScriptedDeliverer()
	f := New(store, deliver, zeroBackoffOptions())
	ctx := context.Background()

	ev := event.Event{ID: "evt-1", DeviceID: "cam-01", Confidence: 0.9}
	if err := store.Enqueue(ctx, ev); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	deliver.set("evt-1", sender.Result{Outcome: sender.TransportFailure, Err: errors.New("timeout")})

	const failures = 3
	for i := 0; i < failures; i++ {
		if _, err := f.FlushOnce(ctx); err != nil {
			t.Fatalf("FlushOnce() error = %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	records, err := store.DequeueBatch(ctx, 10, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("DequeueBatch() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("record must survive failures, got %d records", len(records))
	}
	if records[0].Attempts != failures {
		t.Errorf("expected attempts = %d, got %d", failures, records[0].Attempts)
	}
	if records[0].LastError != "timeout" {
		t.Errorf("expected last error recorded, got %q", records[0].LastError)
	}

	// Success after N failures deletes the record.
	deliver.set("evt-1", sender.Result{Outcome: sender.Acked, AlertID: "ALR-1"})
	summary, err := f.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce() error = %v", err)
	}
	if summary.Sent != 1 {
		t.Fatalf("expected delivery on recovery, got %+v", summary)
	}
	count, _ := store.PendingCount(ctx)
	if count != 0 {
		t.Errorf("expected empty outbox, pending = %d", count)
	}
}

func TestFlushOnce_DeadLettersAfterMaxAttempts(t *testing.T) {
	store := outbox.NewMemoryStore()
	deliver := newScriptedDeliverer()
	opts := zeroBackoffOptions()
	opts.MaxAttempts = 3
	f := New(store, deliver, opts)
	ctx := context.Background()

	if err := store.Enqueue(ctx, event.Event{ID: "evt-1", DeviceID: "cam-01", Confidence: 0.9}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	deliver.set("evt-1", sender.Result{Outcome: sender.Rejected, StatusCode: http.StatusServiceUnavailable})

	for i := 0; i < 3; i++ {
		if _, err := f.FlushOnce(ctx); err != nil {
			t.Fatalf("FlushOnce() error = %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	count, _ := store.PendingCount(ctx)
	if count != 0 {
		t.Errorf("expected record dead-lettered, pending = %d", count)
	}
	letters, _ := store.ListDeadLetters(ctx, 10)
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
}

func TestFlushOnce_PermanentRejectionDeadLettersImmediately(t *testing.T) {
	store := outbox.NewMemoryStore()
	deliver := newScriptedDeliverer()
	f := New(store, deliver, zeroBackoffOptions())
	ctx := context.Background()

	if err := store.Enqueue(ctx, event.Event{ID: "evt-1", DeviceID: "cam-01", Confidence: 0.9}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	deliver.set("evt-1", sender.Result{Outcome: sender.Rejected, StatusCode: http.StatusBadRequest})

	summary, err := f.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce() error = %v", err)
	}
	if summary.Sent != 0 || summary.Pending != 0 {
		t.Errorf("expected {sent: 0, pending: 0}, got %+v", summary)
	}
	letters, _ := store.ListDeadLetters(ctx, 10)
	if len(letters) != 1 {
		t.Fatalf("expected immediate dead letter, got %d", len(letters))
	}
}

func TestFlushOnce_NotReentrant(t *testing.T) {
	store := outbox.NewMemoryStore()
	deliver := newScriptedDeliverer()
	deliver.block = make(chan struct{})
	f := New(store, deliver, zeroBackoffOptions())
	ctx := context.Background()

	if err := store.Enqueue(ctx, event.Event{ID: "evt-1", DeviceID: "cam-01", Confidence: 0.9}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		f.FlushOnce(ctx)
		close(done)
	}()

	<-started
	time.Sleep(10 * time.Millisecond) // let the run reach the blocked send

	if _, err := f.FlushOnce(ctx); !errors.Is(err, ErrFlushInProgress) {
		t.Errorf("expected ErrFlushInProgress for overlapping run, got %v", err)
	}

	close(deliver.block)
	<-done

	// Once the prior run finishes, flushing works again.
	time.Sleep(time.Millisecond)
	if _, err := f.FlushOnce(ctx); err != nil {
		t.Errorf("FlushOnce() after run completed error = %v", err)
	}
}

func TestFlushOnce_RespectsBackoffEligibility(t *testing.T) {
	store := outbox.NewMemoryStore()
	deliver := newScriptedDeliverer()
	frozen := time.Now().UTC().Add(time.Second)
	opts := Options{
		Backoff: BackoffConfig{BaseDelay: time.Hour, MaxDelay: time.Hour},
		Now:     func() time.Time { return frozen },
		RNG:     rand.New(rand.NewSource(3)),
	}
	f := New(store, deliver, opts)
	ctx := context.Background()

	if err := store.Enqueue(ctx, event.Event{ID: "evt-1", DeviceID: "cam-01", Confidence: 0.9}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	deliver.set("evt-1", sender.Result{Outcome: sender.TransportFailure, Err: errors.New("timeout")})

	if _, err := f.FlushOnce(ctx); err != nil {
		t.Fatalf("FlushOnce() error = %v", err)
	}

	// The record is now backed off for up to an hour; the next run
	// must not touch it.
	summary, err := f.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce() error = %v", err)
	}
	if summary.Sent != 0 || summary.Pending != 0 {
		t.Errorf("expected backed-off record skipped, got %+v", summary)
	}
	if deliver.calls["evt-1"] != 1 {
		t.Errorf("expected exactly one delivery attempt, got %d", deliver.calls["evt-1"])
	}
}
