package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carelink-coordinator/internal/models"
)

func setupMockAlertDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *AlertRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewAlertRepository(db, zap.NewNop())
	return db, mock, repo
}

func sampleAlert(now time.Time) *models.Alert {
	deadline := now.Add(5 * time.Minute)
	return &models.Alert{
		AlertID:        "alert-1",
		CorrelationKey: "health:heart_rate_high:subject-1",
		SubjectID:      "subject-1",
		Domain:         models.DomainHealth,
		Kind:           models.KindHeartRateHigh,
		Severity:       models.SeverityWarning,
		Priority:       65,
		Status:         models.AlertStatusEscalating,
		EscalationTier: 1,
		TierEnteredAt:  now,
		TierDeadline:   &deadline,
		FirstSeenAt:    now,
		LastSeenAt:     now,
		Context:        map[string]interface{}{"value": "128"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestCreateAlert_Success(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	now := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)
	alert := sampleAlert(now)

	mock.ExpectExec(`INSERT INTO care_alerts`).
		WithArgs(
			"alert-1",
			"health:heart_rate_high:subject-1",
			"subject-1",
			"health",
			"heart_rate_high",
			"warning",
			65,
			"escalating",
			1,
			now,
			*alert.TierDeadline,
			now,
			now,
			[]byte(`{"value":"128"}`),
			now,
			now,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CreateAlert(context.Background(), alert)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAlert_NoContextStoresNull(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	now := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)
	alert := sampleAlert(now)
	alert.Context = nil
	alert.TierDeadline = nil

	mock.ExpectExec(`INSERT INTO care_alerts`).
		WithArgs(
			"alert-1",
			"health:heart_rate_high:subject-1",
			"subject-1",
			"health",
			"heart_rate_high",
			"warning",
			65,
			"escalating",
			1,
			now,
			nil,
			now,
			now,
			nil,
			now,
			now,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CreateAlert(context.Background(), alert)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAlert_Validation(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	err := repo.CreateAlert(context.Background(), nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "alert is required")

	err = repo.CreateAlert(context.Background(), &models.Alert{CorrelationKey: "k"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "alert_id is required")

	err = repo.CreateAlert(context.Background(), &models.Alert{AlertID: "alert-1"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "correlation_key is required")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAlert_SingleField(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE care_alerts`).
		WithArgs("acknowledged", "alert-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateAlert(context.Background(), "alert-1", map[string]interface{}{
		"status": "acknowledged",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAlert_ContextMarshalled(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE care_alerts`).
		WithArgs([]byte(`{"impact":"high","room":"bathroom"}`), "alert-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateAlert(context.Background(), "alert-1", map[string]interface{}{
		"context": map[string]interface{}{"room": "bathroom", "impact": "high"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAlert_MultipleFields(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	// 多字段更新的 SET 顺序不定，只校验语句与结果
	mock.ExpectExec(`UPDATE care_alerts`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateAlert(context.Background(), "alert-1", map[string]interface{}{
		"severity":     "critical",
		"priority":     110,
		"last_seen_at": time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAlert_DisallowedField(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	err := repo.UpdateAlert(context.Background(), "alert-1", map[string]interface{}{
		"alert_id": "alert-2",
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed to update")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAlert_NotFound(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE care_alerts`).
		WithArgs("resolved", "missing-alert").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateAlert(context.Background(), "missing-alert", map[string]interface{}{
		"status": "resolved",
	})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrUnknownAlert))

	require.NoError(t, mock.ExpectationsWereMet())
}

func alertColumns() []string {
	return []string{
		"alert_id", "correlation_key", "subject_id", "domain", "kind",
		"severity", "priority", "status", "escalation_tier", "tier_entered_at",
		"tier_deadline", "first_seen_at", "last_seen_at", "ack_by", "ack_at",
		"resolved_at", "resolution", "context", "created_at", "updated_at",
	}
}

func TestGetAlert_Success(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	now := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)
	deadline := now.Add(5 * time.Minute)

	rows := sqlmock.NewRows(alertColumns()).AddRow(
		"alert-1", "safety:fall_detected:subject-1", "subject-1", "safety", "fall_detected",
		"critical", 110, "escalating", 2, now,
		deadline, now, now, nil, nil,
		nil, nil, []byte(`{"room":"bathroom"}`), now, now,
	)

	mock.ExpectQuery(`FROM care_alerts`).
		WithArgs("alert-1").
		WillReturnRows(rows)

	alert, err := repo.GetAlert(context.Background(), "alert-1")
	require.NoError(t, err)
	assert.Equal(t, "alert-1", alert.AlertID)
	assert.Equal(t, models.DomainSafety, alert.Domain)
	assert.Equal(t, models.SeverityCritical, alert.Severity)
	assert.Equal(t, models.AlertStatusEscalating, alert.Status)
	assert.Equal(t, 2, alert.EscalationTier)
	require.NotNil(t, alert.TierDeadline)
	assert.Equal(t, deadline, *alert.TierDeadline)
	assert.Nil(t, alert.AckBy)
	assert.Equal(t, "bathroom", alert.Context["room"])

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAlert_NotFound(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	mock.ExpectQuery(`FROM care_alerts`).
		WithArgs("missing-alert").
		WillReturnError(sql.ErrNoRows)

	alert, err := repo.GetAlert(context.Background(), "missing-alert")
	assert.Nil(t, alert)
	assert.True(t, errors.Is(err, models.ErrUnknownAlert))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveAlerts_Success(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	now := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)
	ackBy := "caregiver-1"

	rows := sqlmock.NewRows(alertColumns()).
		AddRow(
			"alert-1", "health:heart_rate_high:subject-1", "subject-1", "health", "heart_rate_high",
			"warning", 65, "escalating", 1, now,
			now.Add(5*time.Minute), now, now, nil, nil,
			nil, nil, nil, now, now,
		).
		AddRow(
			"alert-2", "safety:fall_detected:subject-1", "subject-1", "safety", "fall_detected",
			"critical", 110, "acknowledged", 2, now,
			now.Add(10*time.Minute), now, now, ackBy, now,
			nil, nil, []byte(`{"room":"bathroom"}`), now, now,
		)

	mock.ExpectQuery(`FROM care_alerts`).WillReturnRows(rows)

	alerts, err := repo.ListActiveAlerts(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 2)

	assert.Equal(t, "alert-1", alerts[0].AlertID)
	assert.Equal(t, models.AlertStatusEscalating, alerts[0].Status)
	assert.Nil(t, alerts[0].Context)

	assert.Equal(t, "alert-2", alerts[1].AlertID)
	assert.Equal(t, models.AlertStatusAcknowledged, alerts[1].Status)
	require.NotNil(t, alerts[1].AckBy)
	assert.Equal(t, "caregiver-1", *alerts[1].AckBy)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveAlerts_Empty(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	mock.ExpectQuery(`FROM care_alerts`).WillReturnRows(sqlmock.NewRows(alertColumns()))

	alerts, err := repo.ListActiveAlerts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, alerts)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListResolvedSince_Success(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	now := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)
	since := now.Add(-24 * time.Hour)
	resolution := models.ResolutionConditionCleared

	rows := sqlmock.NewRows(alertColumns()).AddRow(
		"alert-9", "daily_assistant:reminder_overdue_med-morning:subject-1", "subject-1",
		"daily_assistant", "reminder_overdue_med-morning",
		"warning", 50, "resolved", 1, now.Add(-2*time.Hour),
		nil, now.Add(-3*time.Hour), now.Add(-2*time.Hour), nil, nil,
		now.Add(-time.Hour), resolution, nil, now.Add(-3*time.Hour), now.Add(-time.Hour),
	)

	mock.ExpectQuery(`FROM care_alerts`).
		WithArgs(since).
		WillReturnRows(rows)

	alerts, err := repo.ListResolvedSince(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertStatusResolved, alerts[0].Status)
	require.NotNil(t, alerts[0].Resolution)
	assert.Equal(t, models.ResolutionConditionCleared, *alerts[0].Resolution)
	require.NotNil(t, alerts[0].ResolvedAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScanAlert_InvalidSeverity(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(alertColumns()).AddRow(
		"alert-1", "k", "subject-1", "health", "heart_rate_high",
		"catastrophic", 65, "escalating", 1, now,
		nil, now, now, nil, nil,
		nil, nil, nil, now, now,
	)

	mock.ExpectQuery(`FROM care_alerts`).
		WithArgs("alert-1").
		WillReturnRows(rows)

	alert, err := repo.GetAlert(context.Background(), "alert-1")
	assert.Nil(t, alert)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid severity")

	require.NoError(t, mock.ExpectationsWereMet())
}
