package repository

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
)

func setupMockInstancesDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *AlertInstancesRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewAlertInstancesRepository(db, logger)

	return db, mock, repo
}

func newTestInstance(tenantID string) *models.AlertInstance {
	now := time.Now()
	return &models.AlertInstance{
		InstanceID:     uuid.New().String(),
		TenantID:       tenantID,
		AlertID:        uuid.New().String(),
		RuleID:         "hyperkalemia-threshold",
		VersionID:      uuid.New().String(),
		PatientID:      uuid.New().String(),
		DoctorID:       uuid.New().String(),
		Severity:       models.SeverityHigh,
		Rationale:      "Potassium 5.8 exceeds safe limit",
		Visibility:     models.VisibilityClinician,
		FiredAt:        now,
		CooldownExpiry: now.Add(24 * time.Hour),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ============================================
// 创建实例（实例行 + fired 审计行同事务）
// ============================================

func TestCreateInstance_WritesInstanceAndAuditInOneTx(t *testing.T) {
	db, mock, repo := setupMockInstancesDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	instance := newTestInstance(tenantID)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO alert_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO alert_audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.CreateInstance(context.Background(), tenantID, instance)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateInstance_AuditFailure_RollsBackInstance(t *testing.T) {
	db, mock, repo := setupMockInstancesDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	instance := newTestInstance(tenantID)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO alert_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO alert_audit_log`).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := repo.CreateInstance(context.Background(), tenantID, instance)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateInstance_TenantMismatch(t *testing.T) {
	db, _, repo := setupMockInstancesDB(t)
	defer db.Close()

	instance := newTestInstance("tenant-a")
	err := repo.CreateInstance(context.Background(), "tenant-b", instance)
	require.Error(t, err)
}

// ============================================
// 状态迁移（条件 UPDATE + 审计同事务）
// ============================================

func TestAcknowledgeInstance_CommitsUpdateAndAudit(t *testing.T) {
	db, mock, repo := setupMockInstancesDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	instanceID := uuid.New().String()
	note := "reviewed labs, adjusting medication"

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE alert_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO alert_audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.AcknowledgeInstance(context.Background(), tenantID, instanceID, "dr-lee", "nephrologist", &note, time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeInstance_AlreadyAcknowledged_GuardBlocks(t *testing.T) {
	db, mock, repo := setupMockInstancesDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	instanceID := uuid.New().String()

	// WHERE 守卫未命中：并发确认已先行提交
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE alert_instances`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.AcknowledgeInstance(context.Background(), tenantID, instanceID, "dr-lee", "nephrologist", nil, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal transition")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSuppressInstance_AuditFailure_RollsBackTransition(t *testing.T) {
	db, mock, repo := setupMockInstancesDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	instanceID := uuid.New().String()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE alert_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO alert_audit_log`).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := repo.SuppressInstance(context.Background(), tenantID, instanceID, "dr-lee", "nephrologist", "duplicate of earlier finding", time.Now())
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEscalateInstance_Success(t *testing.T) {
	db, mock, repo := setupMockInstancesDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	instanceID := uuid.New().String()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE alert_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO alert_audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.EscalateInstance(context.Background(), tenantID, instanceID, models.SeverityCritical, time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEscalateInstance_InvalidSeverity(t *testing.T) {
	db, _, repo := setupMockInstancesDB(t)
	defer db.Close()

	err := repo.EscalateInstance(context.Background(), uuid.New().String(), uuid.New().String(), "catastrophic", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid severity")
}

// ============================================
// 查询
// ============================================

func instanceRows(instanceID, tenantID string, firedAt time.Time) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"instance_id", "tenant_id", "alert_id", "rule_id", "version_id",
		"patient_id", "doctor_id", "severity", "rationale",
		"supporting_datapoints", "suggested_actions", "visibility",
		"fired_at", "acknowledged_at", "acknowledged_by", "acknowledged_note",
		"suppressed", "suppression_reason", "escalated", "escalated_at",
		"cooldown_expiry", "created_at", "updated_at",
	}).AddRow(
		instanceID, tenantID, uuid.New().String(), "hyperkalemia-threshold", uuid.New().String(),
		uuid.New().String(), uuid.New().String(), "high", "Potassium 5.8 exceeds safe limit",
		`[{"name":"potassium","value":5.8,"unit":"mmol/L"}]`, `["Repeat BMP"]`, "clinician",
		firedAt, nil, nil, nil,
		false, nil, false, nil,
		firedAt.Add(24*time.Hour), now, now,
	)
}

func TestGetInstance_Success(t *testing.T) {
	db, mock, repo := setupMockInstancesDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	instanceID := uuid.New().String()
	firedAt := time.Now()

	mock.ExpectQuery(`SELECT`).
		WithArgs(instanceID, tenantID).
		WillReturnRows(instanceRows(instanceID, tenantID, firedAt))

	instance, err := repo.GetInstance(context.Background(), tenantID, instanceID)
	require.NoError(t, err)
	assert.Equal(t, instanceID, instance.InstanceID)
	assert.Equal(t, models.SeverityHigh, instance.Severity)
	assert.True(t, instance.IsOpen())
	require.Len(t, instance.SupportingDatapoints, 1)
	assert.Equal(t, 5.8, instance.SupportingDatapoints[0].Value)
}

func TestListRecentInstances_FiltersSuppressed(t *testing.T) {
	db, mock, repo := setupMockInstancesDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	instanceID := uuid.New().String()
	firedAt := time.Now().Add(-2 * time.Hour)

	mock.ExpectQuery(`SELECT`).
		WillReturnRows(instanceRows(instanceID, tenantID, firedAt))

	instances, err := repo.ListRecentInstances(context.Background(), tenantID, "hyperkalemia-threshold", uuid.New().String(), 24)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, instanceID, instances[0].InstanceID)
}
