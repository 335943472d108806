// Package api provides HTTP handlers for the ingestor service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"patiowatch/internal/database"
	"patiowatch/internal/event"
	"patiowatch/internal/ingest"
)

// HeaderIdempotencyKey carries the deduplication key for POST /events.
const HeaderIdempotencyKey = "Idempotency-Key"

// IngestResponse is the body returned by POST /events.
type IngestResponse struct {
	AlertID    string `json:"alertId"`
	Status     string `json:"status"`
	Idempotent bool   `json:"idempotent,omitempty"`
}

// IngestEvent accepts an anomaly event and materializes it as an alert.
// The first delivery of a key returns 201; repeats return 200 with the
// original alert id.
func (h *Handlers) IngestEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.metrics.RecordReceived()

	var ev event.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// The key must be settled before any state mutation. The event id
	// is the documented fallback for senders that omit the header.
	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" {
		key = ev.ID
	}
	if key == "" {
		http.Error(w, "Idempotency-Key header or event id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	result, err := h.ingestor.Ingest(ctx, key, ev)
	if err != nil {
		if errors.Is(err, ingest.ErrMissingKey) {
			http.Error(w, "Idempotency-Key header or event id is required", http.StatusBadRequest)
			return
		}
		slog.Error("Failed to ingest event", "error", err, "key", key, "correlation_id", r.Header.Get("X-Correlation-Id"))
		h.metrics.RecordError()
		if isValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "Failed to ingest event", http.StatusInternalServerError)
		return
	}

	status := http.StatusCreated
	if result.Idempotent {
		status = http.StatusOK
		h.metrics.RecordIdempotentHit()
	} else {
		h.metrics.RecordIngested()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(IngestResponse{
		AlertID:    result.AlertID,
		Status:     "OPEN",
		Idempotent: result.Idempotent,
	})
}

// isValidationError distinguishes malformed events from persistence
// failures so callers stop retrying the former.
func isValidationError(err error) bool {
	return strings.Contains(err.Error(), "invalid event")
}

// ListAlerts retrieves alerts filtered by active state.
// GET /alerts?active=true|false (defaults to active).
func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active := true
	if raw := r.URL.Query().Get("active"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "active must be true or false", http.StatusBadRequest)
			return
		}
		active = parsed
	}

	ctx := r.Context()
	alerts, err := h.repo.ListAlerts(ctx, active)
	if err != nil {
		slog.Error("Failed to list alerts", "error", err)
		http.Error(w, "Failed to list alerts", http.StatusInternalServerError)
		return
	}
	if alerts == nil {
		alerts = []*database.Alert{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

// GetAlert retrieves a single alert by id.
func (h *Handlers) GetAlert(w http.ResponseWriter, r *http.Request, alertID string) {
	ctx := r.Context()
	alert, err := h.repo.GetAlert(ctx, alertID)
	if err != nil {
		if errors.Is(err, database.ErrAlertNotFound) {
			http.Error(w, "Alert not found", http.StatusNotFound)
			return
		}
		slog.Error("Failed to get alert", "error", err, "alert_id", alertID)
		http.Error(w, "Failed to get alert", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alert)
}

// ResolveRequest is the body accepted by POST /alerts/{id}/resolve.
type ResolveRequest struct {
	ResolvedBy string `json:"resolvedBy"`
}

// ResolveAlert marks an alert inactive. Resolving a missing alert
// returns 404; resolving twice returns 409.
func (h *Handlers) ResolveAlert(w http.ResponseWriter, r *http.Request, alertID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ResolveRequest
	if r.Body != nil {
		// The body is optional; an empty resolver is recorded as such.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	ctx := r.Context()
	if err := h.repo.ResolveAlert(ctx, alertID, req.ResolvedBy); err != nil {
		switch {
		case errors.Is(err, database.ErrAlertNotFound):
			http.Error(w, "Alert not found", http.StatusNotFound)
		case errors.Is(err, database.ErrAlertResolved):
			http.Error(w, "Alert already resolved", http.StatusConflict)
		default:
			slog.Error("Failed to resolve alert", "error", err, "alert_id", alertID)
			http.Error(w, "Failed to resolve alert", http.StatusInternalServerError)
		}
		return
	}

	alert, err := h.repo.GetAlert(ctx, alertID)
	if err != nil {
		slog.Error("Failed to get resolved alert", "error", err, "alert_id", alertID)
		http.Error(w, "Failed to retrieve resolved alert", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alert)
}
