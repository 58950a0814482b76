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

func setupMockVersionsDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *RuleVersionsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewRuleVersionsRepository(db, logger)

	return db, mock, repo
}

func versionRows(versionID, tenantID, alertID string, version int, enabled bool) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"version_id", "tenant_id", "alert_id", "version",
		"trigger_conditions", "suppression", "escalation", "severity",
		"enabled", "effective_from", "effective_to", "display_priority",
		"created_by", "created_at", "approved_by", "approved_at",
		"change_reason", "deprecated", "deprecated_by", "deprecated_at",
	}).AddRow(
		versionID, tenantID, alertID, version,
		`{"type":"threshold","parameters":[{"name":"potassium","operator":"gt","value":5.5}]}`,
		`{"cooldown_hours":24,"deduplicate_window_hours":24}`,
		nil, "high",
		enabled, now, nil, 10,
		"dr-admin", now, nil, nil,
		"initial version", false, nil, nil,
	)
}

func TestGetActiveVersion_Success(t *testing.T) {
	db, mock, repo := setupMockVersionsDB(t)
	defer db.Close()

	ctx := context.Background()
	tenantID := uuid.New().String()
	alertID := uuid.New().String()
	versionID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(alertID, tenantID).
		WillReturnRows(versionRows(versionID, tenantID, alertID, 2, true))

	version, err := repo.GetActiveVersion(ctx, tenantID, alertID)
	require.NoError(t, err)
	require.NotNil(t, version)
	assert.Equal(t, versionID, version.VersionID)
	assert.Equal(t, 2, version.Version)
	assert.True(t, version.Enabled)
	assert.Equal(t, models.TriggerThreshold, version.TriggerConditions.Type)
	// 标量 value 反序列化为单元素数组
	require.Len(t, version.TriggerConditions.Parameters, 1)
	assert.Equal(t, models.ParamValue{5.5}, version.TriggerConditions.Parameters[0].Value)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveVersion_NoneActive_ReturnsNil(t *testing.T) {
	db, mock, repo := setupMockVersionsDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	alertID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(alertID, tenantID).
		WillReturnError(sql.ErrNoRows)

	version, err := repo.GetActiveVersion(context.Background(), tenantID, alertID)
	require.NoError(t, err)
	assert.Nil(t, version)
}

func TestNextVersionNumber_FirstVersion(t *testing.T) {
	db, mock, repo := setupMockVersionsDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	alertID := uuid.New().String()

	mock.ExpectQuery(`SELECT COALESCE`).
		WithArgs(alertID, tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(1))

	next, err := repo.NextVersionNumber(context.Background(), tenantID, alertID)
	require.NoError(t, err)
	assert.Equal(t, 1, next)
}

// ============================================
// 版本交换事务
// ============================================

func TestSwapActiveVersion_DeprecatesAndActivatesInOneTx(t *testing.T) {
	db, mock, repo := setupMockVersionsDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	alertID := uuid.New().String()
	targetID := uuid.New().String()
	approver := "dr-chief"
	at := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE alert_rule_versions`).
		WithArgs(alertID, tenantID, targetID, approver, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE alert_rule_versions`).
		WithArgs(targetID, tenantID, alertID, at, approver).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.SwapActiveVersion(context.Background(), tenantID, alertID, targetID, &approver, approver, at)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSwapActiveVersion_TargetMissing_RollsBack(t *testing.T) {
	db, mock, repo := setupMockVersionsDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	alertID := uuid.New().String()
	targetID := uuid.New().String()
	at := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE alert_rule_versions`).
		WithArgs(alertID, tenantID, targetID, "dr-admin", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE alert_rule_versions`).
		WithArgs(targetID, tenantID, alertID, at, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.SwapActiveVersion(context.Background(), tenantID, alertID, targetID, nil, "dr-admin", at)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule version not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSwapActiveVersion_DeprecateFails_RollsBack(t *testing.T) {
	db, mock, repo := setupMockVersionsDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	alertID := uuid.New().String()
	targetID := uuid.New().String()
	at := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE alert_rule_versions`).
		WithArgs(alertID, tenantID, targetID, "dr-admin", at).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := repo.SwapActiveVersion(context.Background(), tenantID, alertID, targetID, nil, "dr-admin", at)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountEnabledVersions(t *testing.T) {
	db, mock, repo := setupMockVersionsDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	alertID := uuid.New().String()

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(alertID, tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	count, err := repo.CountEnabledVersions(context.Background(), tenantID, alertID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCreateVersion_RequiresTenantMatch(t *testing.T) {
	db, _, repo := setupMockVersionsDB(t)
	defer db.Close()

	version := &models.RuleVersion{
		VersionID: uuid.New().String(),
		TenantID:  "tenant-a",
		AlertID:   uuid.New().String(),
		Version:   1,
	}

	err := repo.CreateVersion(context.Background(), "tenant-b", version)
	require.Error(t, err)
}
