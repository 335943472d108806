package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"patiowatch/internal/database"
	"patiowatch/internal/event"
)

// Alert field defaults per anomaly type. Unknown but present types get
// a generic high-severity alert; an absent type degrades to an
// informational one.
var alertDefaults = map[string]struct {
	title    string
	severity string
}{
	event.TypeParkingOutOfSpot:     {title: "Moto out of parking spot", severity: "HIGH"},
	event.TypeUnauthorizedMovement: {title: "Unauthorized movement detected", severity: "CRITICAL"},
	event.TypeMissingMoto:          {title: "Moto missing from patio", severity: "HIGH"},
	event.TypeLowConfidence:        {title: "Low confidence detection", severity: "LOW"},
}

// newAlertID generates an alert id like ALR-20250601-AB12CD.
func newAlertID(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("ALR-%s-%s", now.Format("20060102"), suffix)
}

// deriveAlert maps an event onto alert fields. Metadata is best
// effort: a missing or malformed map produces an alert with the
// optional fields absent rather than a rejection.
func deriveAlert(ev event.Event, now time.Time) *database.Alert {
	alert := &database.Alert{
		ID:          newAlertID(now),
		Type:        "iot",
		Severity:    "info",
		Title:       "IoT alert",
		Description: fmt.Sprintf("Device %s detected an irregularity", ev.DeviceID),
		Active:      true,
		CreatedAt:   now,
	}

	if ev.Type != "" {
		alert.Type = ev.Type
		alert.Severity = "HIGH"
		alert.Title = "Anomaly detected"
		if def, ok := alertDefaults[ev.Type]; ok {
			alert.Title = def.title
			alert.Severity = def.severity
		}
	}

	if ev.Metadata != nil {
		alert.Zone = ev.Metadata["slot"]
		alert.MotoID = ev.Metadata["motoId"]
		if plate := ev.Metadata["plate"]; plate != "" {
			alert.Description += fmt.Sprintf(" (plate %s)", plate)
		}
	}

	return alert
}
