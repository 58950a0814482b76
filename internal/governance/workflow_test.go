package governance

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

	"renalwatch-cds/internal/repository"
)

func setupWorkflow(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Workflow) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	versions := repository.NewRuleVersionsRepository(db, logger)
	definitions := repository.NewAlertDefinitionsRepository(db, logger)

	return db, mock, NewWorkflow(versions, definitions, logger)
}

type versionRowOpts struct {
	versionID  string
	severity   string
	enabled    bool
	deprecated bool
	approvedBy *string
	approvedAt *time.Time
}

func ruleVersionRow(tenantID, alertID string, versionNumber int, opts versionRowOpts) *sqlmock.Rows {
	now := time.Now()
	if opts.versionID == "" {
		opts.versionID = uuid.New().String()
	}
	var effectiveFrom, approvedBy, approvedAt interface{}
	if opts.enabled {
		effectiveFrom = now
	}
	if opts.approvedBy != nil {
		approvedBy = *opts.approvedBy
	}
	if opts.approvedAt != nil {
		approvedAt = *opts.approvedAt
	}
	return sqlmock.NewRows([]string{
		"version_id", "tenant_id", "alert_id", "version",
		"trigger_conditions", "suppression", "escalation", "severity",
		"enabled", "effective_from", "effective_to", "display_priority",
		"created_by", "created_at", "approved_by", "approved_at",
		"change_reason", "deprecated", "deprecated_by", "deprecated_at",
	}).AddRow(
		opts.versionID, tenantID, alertID, versionNumber,
		`{"type":"threshold","parameters":[{"name":"potassium","operator":"gt","value":5.5}]}`,
		nil, nil, opts.severity,
		opts.enabled, effectiveFrom, nil, 10,
		"dr-admin", now, approvedBy, approvedAt,
		"tighten potassium limit", opts.deprecated, nil, nil,
	)
}

// ============================================
// 审批门禁
// ============================================

func TestActivate_HighSeverityWithoutApproval_Refused(t *testing.T) {
	db, mock, w := setupWorkflow(t)
	defer db.Close()

	tenantID := uuid.New().String()
	alertID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(alertID, tenantID, 2).
		WillReturnRows(ruleVersionRow(tenantID, alertID, 2, versionRowOpts{severity: "high"}))

	result, err := w.Activate(context.Background(), tenantID, alertID, 2, "dr-admin")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.RequiresApproval)
	assert.Contains(t, result.Message, "requires approval")
	// 没有任何 UPDATE 被执行
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivate_ReviewSeverity_SwapsWithoutApproval(t *testing.T) {
	db, mock, w := setupWorkflow(t)
	defer db.Close()

	tenantID := uuid.New().String()
	alertID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(alertID, tenantID, 2).
		WillReturnRows(ruleVersionRow(tenantID, alertID, 2, versionRowOpts{severity: "review"}))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE alert_rule_versions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE alert_rule_versions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := w.Activate(context.Background(), tenantID, alertID, 2, "dr-admin")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApprove_DoubleApproval_Rejected(t *testing.T) {
	db, mock, w := setupWorkflow(t)
	defer db.Close()

	tenantID := uuid.New().String()
	alertID := uuid.New().String()
	approver := "dr-first"
	approvedAt := time.Now().Add(-1 * time.Hour)

	mock.ExpectQuery(`SELECT`).
		WithArgs(alertID, tenantID, 2).
		WillReturnRows(ruleVersionRow(tenantID, alertID, 2, versionRowOpts{
			severity:   "high",
			approvedBy: &approver,
			approvedAt: &approvedAt,
		}))

	_, err := w.Approve(context.Background(), tenantID, alertID, 2, "dr-second")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already approved by dr-first")
}

func TestApprove_MissingApprover_Rejected(t *testing.T) {
	db, _, w := setupWorkflow(t)
	defer db.Close()

	_, err := w.Approve(context.Background(), uuid.New().String(), uuid.New().String(), 2, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "approver is required")
}

func TestApprove_SwapsInOneTransaction(t *testing.T) {
	db, mock, w := setupWorkflow(t)
	defer db.Close()

	tenantID := uuid.New().String()
	alertID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(alertID, tenantID, 3).
		WillReturnRows(ruleVersionRow(tenantID, alertID, 3, versionRowOpts{severity: "critical"}))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE alert_rule_versions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE alert_rule_versions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := w.Approve(context.Background(), tenantID, alertID, 3, "dr-chief")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 回滚
// ============================================

func TestRollback_TargetAlreadyActive_Idempotent(t *testing.T) {
	db, mock, w := setupWorkflow(t)
	defer db.Close()

	tenantID := uuid.New().String()
	alertID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(alertID, tenantID, 1).
		WillReturnRows(ruleVersionRow(tenantID, alertID, 1, versionRowOpts{severity: "review", enabled: true}))

	result, err := w.Rollback(context.Background(), tenantID, alertID, 1, "dr-admin", "new version misfires")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Message, "already active")
	// 幂等路径不触发任何事务
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollback_MissingTarget_Fails(t *testing.T) {
	db, mock, w := setupWorkflow(t)
	defer db.Close()

	tenantID := uuid.New().String()
	alertID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(alertID, tenantID, 9).
		WillReturnError(sql.ErrNoRows)

	_, err := w.Rollback(context.Background(), tenantID, alertID, 9, "dr-admin", "misfire")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rollback target not found")
}

func TestRollback_ReactivatesDeprecatedVersion(t *testing.T) {
	db, mock, w := setupWorkflow(t)
	defer db.Close()

	tenantID := uuid.New().String()
	alertID := uuid.New().String()
	approver := "dr-chief"
	approvedAt := time.Now().Add(-48 * time.Hour)

	mock.ExpectQuery(`SELECT`).
		WithArgs(alertID, tenantID, 1).
		WillReturnRows(ruleVersionRow(tenantID, alertID, 1, versionRowOpts{
			severity:   "high",
			deprecated: true,
			approvedBy: &approver,
			approvedAt: &approvedAt,
		}))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE alert_rule_versions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE alert_rule_versions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := w.Rollback(context.Background(), tenantID, alertID, 1, "dr-admin", "new version misfires")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Message, "Rollback: new version misfires")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 弃用
// ============================================

func TestDeprecate_LastActiveVersion_DisablesDefinition(t *testing.T) {
	db, mock, w := setupWorkflow(t)
	defer db.Close()

	tenantID := uuid.New().String()
	alertID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(alertID, tenantID, 2).
		WillReturnRows(ruleVersionRow(tenantID, alertID, 2, versionRowOpts{severity: "review", enabled: true}))

	mock.ExpectExec(`UPDATE alert_rule_versions`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// 弃用后无剩余激活版本
	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(alertID, tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	mock.ExpectExec(`UPDATE alert_definitions`).
		WithArgs(alertID, tenantID, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := w.Deprecate(context.Background(), tenantID, alertID, 2, "dr-admin")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeprecate_AlreadyDeprecated_Idempotent(t *testing.T) {
	db, mock, w := setupWorkflow(t)
	defer db.Close()

	tenantID := uuid.New().String()
	alertID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(alertID, tenantID, 1).
		WillReturnRows(ruleVersionRow(tenantID, alertID, 1, versionRowOpts{severity: "review", deprecated: true}))

	result, err := w.Deprecate(context.Background(), tenantID, alertID, 1, "dr-admin")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Message, "already deprecated")
	assert.NoError(t, mock.ExpectationsWereMet())
}
