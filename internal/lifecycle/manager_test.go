package lifecycle

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"renalwatch-cds/internal/models"
	"renalwatch-cds/internal/repository"
)

func setupManager(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Manager) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	instances := repository.NewAlertInstancesRepository(db, logger)
	audit := repository.NewAlertAuditRepository(db, logger)

	return db, mock, NewManager(instances, audit, logger)
}

type instanceRowOpts struct {
	severity       string
	suppressed     bool
	acknowledgedAt *time.Time
	acknowledgedBy string
	escalated      bool
}

func instanceRow(instanceID, tenantID string, opts instanceRowOpts) *sqlmock.Rows {
	now := time.Now()
	firedAt := now.Add(-2 * time.Hour)
	var ackAt, ackBy interface{}
	if opts.acknowledgedAt != nil {
		ackAt = *opts.acknowledgedAt
		ackBy = opts.acknowledgedBy
	}
	return sqlmock.NewRows([]string{
		"instance_id", "tenant_id", "alert_id", "rule_id", "version_id",
		"patient_id", "doctor_id", "severity", "rationale",
		"supporting_datapoints", "suggested_actions", "visibility",
		"fired_at", "acknowledged_at", "acknowledged_by", "acknowledged_note",
		"suppressed", "suppression_reason", "escalated", "escalated_at",
		"cooldown_expiry", "created_at", "updated_at",
	}).AddRow(
		instanceID, tenantID, uuid.New().String(), "hyperkalemia-threshold", uuid.New().String(),
		uuid.New().String(), uuid.New().String(), opts.severity, "Potassium 5.8 exceeds safe limit",
		`[]`, `[]`, "clinician",
		firedAt, ackAt, ackBy, nil,
		opts.suppressed, nil, opts.escalated, nil,
		firedAt.Add(24*time.Hour), now, now,
	)
}

func TestAcknowledge_OpenInstance_Commits(t *testing.T) {
	db, mock, m := setupManager(t)
	defer db.Close()

	tenantID := uuid.New().String()
	instanceID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(instanceID, tenantID).
		WillReturnRows(instanceRow(instanceID, tenantID, instanceRowOpts{severity: "high"}))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE alert_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO alert_audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	note := "will repeat labs tomorrow"
	err := m.Acknowledge(context.Background(), tenantID, instanceID, "dr-lee", "nephrologist", &note)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledge_DismissedInstance_Refused(t *testing.T) {
	db, mock, m := setupManager(t)
	defer db.Close()

	tenantID := uuid.New().String()
	instanceID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(instanceID, tenantID).
		WillReturnRows(instanceRow(instanceID, tenantID, instanceRowOpts{severity: "high", suppressed: true}))

	err := m.Acknowledge(context.Background(), tenantID, instanceID, "dr-lee", "nephrologist", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot acknowledge a dismissed alert")
}

func TestAcknowledge_Twice_Refused(t *testing.T) {
	db, mock, m := setupManager(t)
	defer db.Close()

	tenantID := uuid.New().String()
	instanceID := uuid.New().String()
	ackAt := time.Now().Add(-1 * time.Hour)

	mock.ExpectQuery(`SELECT`).
		WithArgs(instanceID, tenantID).
		WillReturnRows(instanceRow(instanceID, tenantID, instanceRowOpts{
			severity:       "high",
			acknowledgedAt: &ackAt,
			acknowledgedBy: "dr-first",
		}))

	err := m.Acknowledge(context.Background(), tenantID, instanceID, "dr-second", "nephrologist", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already acknowledged by dr-first")
}

func TestDismiss_AcknowledgedInstance_Allowed(t *testing.T) {
	db, mock, m := setupManager(t)
	defer db.Close()

	tenantID := uuid.New().String()
	instanceID := uuid.New().String()
	ackAt := time.Now().Add(-1 * time.Hour)

	mock.ExpectQuery(`SELECT`).
		WithArgs(instanceID, tenantID).
		WillReturnRows(instanceRow(instanceID, tenantID, instanceRowOpts{
			severity:       "review",
			acknowledgedAt: &ackAt,
			acknowledgedBy: "dr-lee",
		}))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE alert_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO alert_audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := m.Dismiss(context.Background(), tenantID, instanceID, "dr-lee", "nephrologist", "resolved after medication change")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDismiss_WithoutReason_Refused(t *testing.T) {
	db, _, m := setupManager(t)
	defer db.Close()

	err := m.Dismiss(context.Background(), uuid.New().String(), uuid.New().String(), "dr-lee", "nephrologist", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reason is required")
}

func TestEscalate_AcknowledgedInstance_Refused(t *testing.T) {
	db, mock, m := setupManager(t)
	defer db.Close()

	tenantID := uuid.New().String()
	instanceID := uuid.New().String()
	ackAt := time.Now().Add(-1 * time.Hour)

	mock.ExpectQuery(`SELECT`).
		WithArgs(instanceID, tenantID).
		WillReturnRows(instanceRow(instanceID, tenantID, instanceRowOpts{
			severity:       "high",
			acknowledgedAt: &ackAt,
			acknowledgedBy: "dr-lee",
		}))

	err := m.Escalate(context.Background(), tenantID, instanceID, models.SeverityCritical)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot escalate an acknowledged alert")
}

func TestEscalate_TargetNotAboveCurrent_Refused(t *testing.T) {
	db, mock, m := setupManager(t)
	defer db.Close()

	tenantID := uuid.New().String()
	instanceID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(instanceID, tenantID).
		WillReturnRows(instanceRow(instanceID, tenantID, instanceRowOpts{severity: "critical"}))

	err := m.Escalate(context.Background(), tenantID, instanceID, models.SeverityHigh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not above current severity")
}

func TestEscalate_OpenInstance_Commits(t *testing.T) {
	db, mock, m := setupManager(t)
	defer db.Close()

	tenantID := uuid.New().String()
	instanceID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(instanceID, tenantID).
		WillReturnRows(instanceRow(instanceID, tenantID, instanceRowOpts{severity: "high"}))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE alert_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO alert_audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := m.Escalate(context.Background(), tenantID, instanceID, models.SeverityCritical)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
