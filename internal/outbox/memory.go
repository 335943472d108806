package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"patiowatch/internal/event"
)

// MemoryStore is an in-memory Store for tests and dependency-free local
// runs. It provides the same semantics as the Postgres store but loses
// state on restart, so it offers no durability guarantee.
type MemoryStore struct {
	mu          sync.Mutex
	records     map[string]*Record
	deadLetters []DeadLetter
}

// Ensure MemoryStore implements the Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Enqueue stores the serialized event unless the id is already queued.
func (s *MemoryStore) Enqueue(ctx context.Context, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[ev.ID]; exists {
		return nil
	}
	now := time.Now().UTC()
	s.records[ev.ID] = &Record{
		ID:            ev.ID,
		Payload:       payload,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
	return nil
}

// DequeueBatch returns due records oldest-first.
func (s *MemoryStore) DequeueBatch(ctx context.Context, limit int, now time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Record
	for _, rec := range s.records {
		if !rec.NextAttemptAt.After(now) {
			due = append(due, *rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Ack deletes a record.
func (s *MemoryStore) Ack(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[id]; !exists {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

// BumpAttempts records a failed redrive.
func (s *MemoryStore) BumpAttempts(ctx context.Context, id, sendErr string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, exists := s.records[id]
	if !exists {
		return ErrNotFound
	}
	rec.Attempts++
	rec.LastError = sendErr
	rec.NextAttemptAt = nextAttemptAt
	return nil
}

// MoveToDeadLetter moves a record into the dead-letter slice.
func (s *MemoryStore) MoveToDeadLetter(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, exists := s.records[id]
	if !exists {
		return ErrNotFound
	}
	delete(s.records, id)
	s.deadLetters = append(s.deadLetters, DeadLetter{
		Record:   *rec,
		FailedAt: time.Now().UTC(),
		Reason:   reason,
	})
	return nil
}

// PendingCount reports the queued record count.
func (s *MemoryStore) PendingCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

// ListDeadLetters returns dead-lettered records newest-first.
func (s *MemoryStore) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	letters := make([]DeadLetter, len(s.deadLetters))
	copy(letters, s.deadLetters)
	sort.Slice(letters, func(i, j int) bool { return letters[i].FailedAt.After(letters[j].FailedAt) })
	if len(letters) > limit {
		letters = letters[:limit]
	}
	return letters, nil
}
