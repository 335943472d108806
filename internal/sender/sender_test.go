package sender

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"patiowatch/internal/event"
)

func TestSender_Send_Acked(t *testing.T) {
	var gotKey, gotCorrelation string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotCorrelation = r.Header.Get("X-Correlation-Id")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"alertId": "ALR-20250601-ABCDEF", "status": "OPEN"})
	}))
	defer srv.Close()

	s := New(srv.URL, "demo-token", time.Second)
	ev := event.Event{ID: "evt-1", DeviceID: "cam-01", Confidence: 0.9}

	res := s.Send(context.Background(), ev)
	if res.Outcome != Acked {
		t.Fatalf("expected Acked, got %s (err %v)", res.Outcome, res.Err)
	}
	if res.AlertID != "ALR-20250601-ABCDEF" {
		t.Errorf("expected alert id from ack body, got %q", res.AlertID)
	}
	if res.Idempotent {
		t.Error("first delivery should not be marked idempotent")
	}
	if gotKey != "evt-1" {
		t.Errorf("expected Idempotency-Key header evt-1, got %q", gotKey)
	}
	if gotCorrelation != "evt-1" {
		t.Errorf("expected X-Correlation-Id header evt-1, got %q", gotCorrelation)
	}
}

func TestSender_Send_DuplicateAck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"alertId": "ALR-X", "status": "OPEN", "idempotent": true})
	}))
	defer srv.Close()

	s := New(srv.URL, "", time.Second)
	res := s.Send(context.Background(), event.Event{ID: "evt-2", DeviceID: "cam-01", Confidence: 0.9})
	if res.Outcome != Acked {
		t.Fatalf("expected Acked, got %s", res.Outcome)
	}
	if !res.Idempotent {
		t.Error("expected duplicate ack to carry idempotent flag")
	}
	if res.AlertID != "ALR-X" {
		t.Errorf("expected winner's alert id, got %q", res.AlertID)
	}
}

func TestSender_Send_Rejected(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantPermanent bool
	}{
		{name: "server error is transient", status: http.StatusInternalServerError, wantPermanent: false},
		{name: "overloaded is transient", status: http.StatusServiceUnavailable, wantPermanent: false},
		{name: "bad request is permanent", status: http.StatusBadRequest, wantPermanent: true},
		{name: "unprocessable is permanent", status: http.StatusUnprocessableEntity, wantPermanent: true},
		{name: "too large is permanent", status: http.StatusRequestEntityTooLarge, wantPermanent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			s := New(srv.URL, "", time.Second)
			res := s.Send(context.Background(), event.Event{ID: "evt-3", DeviceID: "cam-01", Confidence: 0.9})
			if res.Outcome != Rejected {
				t.Fatalf("expected Rejected, got %s", res.Outcome)
			}
			if res.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, res.StatusCode)
			}
			if res.Permanent() != tt.wantPermanent {
				t.Errorf("Permanent() = %v, want %v", res.Permanent(), tt.wantPermanent)
			}
			if res.Err == nil {
				t.Error("expected a rejection error")
			}
		})
	}
}

func TestSender_Send_TransportFailure(t *testing.T) {
	// Point at a closed server so the connection is refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	s := New(srv.URL, "", time.Second)
	res := s.Send(context.Background(), event.Event{ID: "evt-4", DeviceID: "cam-01", Confidence: 0.9})
	if res.Outcome != TransportFailure {
		t.Fatalf("expected TransportFailure, got %s", res.Outcome)
	}
	if res.Err == nil {
		t.Error("expected a transport error")
	}
	if res.Permanent() {
		t.Error("transport failures are never permanent")
	}
}

func TestSender_Send_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	s := New(srv.URL, "", 20*time.Millisecond)
	res := s.Send(context.Background(), event.Event{ID: "evt-5", DeviceID: "cam-01", Confidence: 0.9})
	if res.Outcome != TransportFailure {
		t.Fatalf("expected timeout to count as TransportFailure, got %s", res.Outcome)
	}
}
