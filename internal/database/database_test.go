// Package database tests use sqlmock to mock database interactions.
package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &DB{conn: conn}, mock
}

func TestNewDB_InvalidDSN(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
	}{
		{name: "invalid DSN", dsn: "invalid-dsn"},
		{name: "empty DSN", dsn: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := NewDB(tt.dsn)
			if err == nil {
				db.Close()
				t.Error("NewDB() expected error")
			}
		})
	}
}

func TestDB_CreateAlertWithKey_FirstArrival(t *testing.T) {
	db, mock := newMockDB(t)
	ctx := context.Background()

	alert := &Alert{
		ID:        "ALR-20250601-ABCDEF",
		Type:      "PARKING_OUT_OF_SPOT",
		Severity:  "HIGH",
		Title:     "Moto out of parking spot",
		Zone:      "VAGA-07",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO alerts").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO iot_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	alertID, idempotent, err := db.CreateAlertWithKey(ctx, "evt-1", alert)
	if err != nil {
		t.Fatalf("CreateAlertWithKey() error = %v", err)
	}
	if idempotent {
		t.Error("first arrival must not be idempotent")
	}
	if alertID != alert.ID {
		t.Errorf("expected alert id %s, got %s", alert.ID, alertID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Mock expectations were not met: %v", err)
	}
}

func TestDB_CreateAlertWithKey_DuplicateKeyReadsBackWinner(t *testing.T) {
	db, mock := newMockDB(t)
	ctx := context.Background()

	alert := &Alert{ID: "ALR-LOSER", Type: "iot", Severity: "info", Title: "IoT alert", CreatedAt: time.Now().UTC()}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO alerts").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO iot_events").
		WillReturnError(&pq.Error{Code: pqUniqueViolation})
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT alert_id FROM iot_events").
		WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"alert_id"}).AddRow("ALR-WINNER"))

	alertID, idempotent, err := db.CreateAlertWithKey(ctx, "evt-1", alert)
	if err != nil {
		t.Fatalf("CreateAlertWithKey() error = %v", err)
	}
	if !idempotent {
		t.Error("losing a ledger race must report idempotent")
	}
	if alertID != "ALR-WINNER" {
		t.Errorf("expected winner's alert id, got %s", alertID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Mock expectations were not met: %v", err)
	}
}

func TestDB_CreateAlertWithKey_DatabaseError(t *testing.T) {
	db, mock := newMockDB(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO alerts").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, _, err := db.CreateAlertWithKey(ctx, "evt-1", &Alert{ID: "ALR-1", CreatedAt: time.Now().UTC()})
	if err == nil {
		t.Fatal("expected persistence failure to surface")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Mock expectations were not met: %v", err)
	}
}

func TestDB_GetAlert(t *testing.T) {
	db, mock := newMockDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	cols := []string{"id", "type", "severity", "title", "description", "moto_id", "zone", "active", "created_at", "resolved_at", "resolved_by"}

	mock.ExpectQuery("SELECT id, type, severity, title").
		WithArgs("ALR-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("ALR-1", "PARKING_OUT_OF_SPOT", "HIGH", "Moto out of parking spot", "Device cam-01 detected an irregularity", nil, "VAGA-07", true, now, nil, nil))

	alert, err := db.GetAlert(ctx, "ALR-1")
	if err != nil {
		t.Fatalf("GetAlert() error = %v", err)
	}
	if alert.Zone != "VAGA-07" || alert.MotoID != "" {
		t.Errorf("unexpected alert fields: %+v", alert)
	}
	if alert.ResolvedAt != nil {
		t.Error("active alert must not have resolved_at")
	}

	mock.ExpectQuery("SELECT id, type, severity, title").
		WithArgs("ALR-missing").
		WillReturnRows(sqlmock.NewRows(cols))

	if _, err := db.GetAlert(ctx, "ALR-missing"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("GetAlert() missing alert error = %v, want ErrAlertNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Mock expectations were not met: %v", err)
	}
}

func TestDB_ResolveAlert(t *testing.T) {
	db, mock := newMockDB(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		setupMock func()
		wantErr   error
	}{
		{
			name: "successful resolve",
			setupMock: func() {
				mock.ExpectExec("UPDATE alerts").
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			wantErr: nil,
		},
		{
			name: "already resolved",
			setupMock: func() {
				mock.ExpectExec("UPDATE alerts").
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery("SELECT EXISTS").
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
			},
			wantErr: ErrAlertResolved,
		},
		{
			name: "not found",
			setupMock: func() {
				mock.ExpectExec("UPDATE alerts").
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery("SELECT EXISTS").
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
			},
			wantErr: ErrAlertNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setupMock()
			err := db.ResolveAlert(ctx, "ALR-1", "operator-7")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ResolveAlert() error = %v, want %v", err, tt.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("Mock expectations were not met: %v", err)
			}
		})
	}
}

func TestDB_ListAlerts(t *testing.T) {
	db, mock := newMockDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	cols := []string{"id", "type", "severity", "title", "description", "moto_id", "zone", "active", "created_at", "resolved_at", "resolved_by"}
	mock.ExpectQuery("SELECT id, type, severity, title").
		WithArgs(true).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("ALR-2", "UNAUTHORIZED_MOVEMENT", "CRITICAL", "Unauthorized movement", nil, "MOTO-3", nil, true, now, nil, nil).
			AddRow("ALR-1", "PARKING_OUT_OF_SPOT", "HIGH", "Moto out of parking spot", nil, nil, "VAGA-07", true, now.Add(-time.Hour), nil, nil))

	alerts, err := db.ListAlerts(ctx, true)
	if err != nil {
		t.Fatalf("ListAlerts() error = %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	if alerts[0].ID != "ALR-2" {
		t.Errorf("expected newest-first ordering, got %s first", alerts[0].ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Mock expectations were not met: %v", err)
	}
}
