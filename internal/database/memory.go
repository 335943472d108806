package database

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory alert store for tests and
// dependency-free local runs. The mutex serializes the
// insert-if-absent ledger decision the same way the unique constraint
// does in Postgres.
type MemoryStore struct {
	mu     sync.Mutex
	alerts map[string]*Alert
	ledger map[string]string // idempotency key -> alert id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[string]*Alert),
		ledger: make(map[string]string),
	}
}

// CreateAlertWithKey applies the same winner-takes-all semantics as the
// Postgres implementation.
func (s *MemoryStore) CreateAlertWithKey(ctx context.Context, key string, alert *Alert) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if winner, exists := s.ledger[key]; exists {
		return winner, true, nil
	}

	stored := *alert
	s.alerts[alert.ID] = &stored
	s.ledger[key] = alert.ID
	return alert.ID, false, nil
}

// GetAlert retrieves an alert by ID.
func (s *MemoryStore) GetAlert(ctx context.Context, alertID string) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, exists := s.alerts[alertID]
	if !exists {
		return nil, ErrAlertNotFound
	}
	copied := *alert
	return &copied, nil
}

// ListAlerts retrieves alerts filtered by their active flag, newest
// first.
func (s *MemoryStore) ListAlerts(ctx context.Context, active bool) ([]*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var alerts []*Alert
	for _, alert := range s.alerts {
		if alert.Active == active {
			copied := *alert
			alerts = append(alerts, &copied)
		}
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].CreatedAt.After(alerts[j].CreatedAt) })
	return alerts, nil
}

// ResolveAlert marks an active alert as resolved.
func (s *MemoryStore) ResolveAlert(ctx context.Context, alertID, resolvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, exists := s.alerts[alertID]
	if !exists {
		return ErrAlertNotFound
	}
	if !alert.Active {
		return ErrAlertResolved
	}
	now := time.Now().UTC()
	alert.Active = false
	alert.ResolvedAt = &now
	alert.ResolvedBy = resolvedBy
	return nil
}

// LedgerSize reports how many idempotency keys are recorded. Test
// helper.
func (s *MemoryStore) LedgerSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ledger)
}

// AlertCount reports how many alerts exist. Test helper.
func (s *MemoryStore) AlertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}
