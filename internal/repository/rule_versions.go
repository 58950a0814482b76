package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"renalwatch-cds/internal/models"

	"go.uber.org/zap"
)

// RuleVersionsRepository 规则版本仓库
// 版本激活是"deprecate 当前 + activate 目标"的单事务交换，
// 保证同一 alert 任一时刻至多一个 enabled 版本
type RuleVersionsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRuleVersionsRepository 创建规则版本仓库
func NewRuleVersionsRepository(db *sql.DB, logger *zap.Logger) *RuleVersionsRepository {
	return &RuleVersionsRepository{
		db:     db,
		logger: logger,
	}
}

const ruleVersionColumns = `
	version_id,
	tenant_id,
	alert_id,
	version,
	trigger_conditions,
	suppression,
	escalation,
	severity,
	enabled,
	effective_from,
	effective_to,
	display_priority,
	created_by,
	created_at,
	approved_by,
	approved_at,
	change_reason,
	deprecated,
	deprecated_by,
	deprecated_at
`

// GetVersion 根据 version_id 获取版本
func (r *RuleVersionsRepository) GetVersion(ctx context.Context, tenantID, versionID string) (*models.RuleVersion, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if versionID == "" {
		return nil, fmt.Errorf("version_id is required")
	}

	query := `
		SELECT ` + ruleVersionColumns + `
		FROM alert_rule_versions
		WHERE version_id = $1
		  AND tenant_id = $2
	`

	version, err := scanRuleVersion(r.db.QueryRowContext(ctx, query, versionID, tenantID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("rule version not found: version_id=%s, tenant_id=%s", versionID, tenantID)
		}
		return nil, fmt.Errorf("failed to get rule version: %w", err)
	}

	return version, nil
}

// GetVersionByNumber 根据 (alert_id, version) 获取版本
func (r *RuleVersionsRepository) GetVersionByNumber(ctx context.Context, tenantID, alertID string, versionNumber int) (*models.RuleVersion, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT ` + ruleVersionColumns + `
		FROM alert_rule_versions
		WHERE alert_id = $1
		  AND tenant_id = $2
		  AND version = $3
	`

	version, err := scanRuleVersion(r.db.QueryRowContext(ctx, query, alertID, tenantID, versionNumber))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // 目标版本不存在，由调用方决定如何报告
		}
		return nil, fmt.Errorf("failed to get rule version by number: %w", err)
	}

	return version, nil
}

// GetActiveVersion 获取当前激活版本（enabled=true）
// 没有激活版本时返回 (nil, nil)
func (r *RuleVersionsRepository) GetActiveVersion(ctx context.Context, tenantID, alertID string) (*models.RuleVersion, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT ` + ruleVersionColumns + `
		FROM alert_rule_versions
		WHERE alert_id = $1
		  AND tenant_id = $2
		  AND enabled = true
		ORDER BY version DESC
		LIMIT 1
	`

	version, err := scanRuleVersion(r.db.QueryRowContext(ctx, query, alertID, tenantID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active rule version: %w", err)
	}

	return version, nil
}

// ListVersions 列出某 alert 的全部版本（版本号倒序）
func (r *RuleVersionsRepository) ListVersions(ctx context.Context, tenantID, alertID string) ([]*models.RuleVersion, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT ` + ruleVersionColumns + `
		FROM alert_rule_versions
		WHERE alert_id = $1
		  AND tenant_id = $2
		ORDER BY version DESC
	`

	rows, err := r.db.QueryContext(ctx, query, alertID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule versions: %w", err)
	}
	defer rows.Close()

	versions := []*models.RuleVersion{}
	for rows.Next() {
		version, err := scanRuleVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule version: %w", err)
		}
		versions = append(versions, version)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rule versions: %w", err)
	}

	return versions, nil
}

// NextVersionNumber 分配下一个版本号（max(existing)+1，从 1 开始）
func (r *RuleVersionsRepository) NextVersionNumber(ctx context.Context, tenantID, alertID string) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return 0, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT COALESCE(MAX(version), 0) + 1
		FROM alert_rule_versions
		WHERE alert_id = $1
		  AND tenant_id = $2
	`

	var next int
	if err := r.db.QueryRowContext(ctx, query, alertID, tenantID).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to allocate version number: %w", err)
	}

	return next, nil
}

// CreateVersion 插入新版本（enabled=false，等待审批/激活）
func (r *RuleVersionsRepository) CreateVersion(ctx context.Context, tenantID string, version *models.RuleVersion) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if version == nil {
		return fmt.Errorf("version is required")
	}
	if version.TenantID != tenantID {
		return fmt.Errorf("version.tenant_id must match tenant_id parameter")
	}

	conditionsJSON, err := json.Marshal(version.TriggerConditions)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger conditions: %w", err)
	}

	var suppressionJSON, escalationJSON interface{}
	if version.Suppression != nil {
		data, err := json.Marshal(version.Suppression)
		if err != nil {
			return fmt.Errorf("failed to marshal suppression rules: %w", err)
		}
		suppressionJSON = data
	}
	if version.Escalation != nil {
		data, err := json.Marshal(version.Escalation)
		if err != nil {
			return fmt.Errorf("failed to marshal escalation rules: %w", err)
		}
		escalationJSON = data
	}

	query := `
		INSERT INTO alert_rule_versions (` + ruleVersionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`

	_, err = r.db.ExecContext(ctx, query,
		version.VersionID,
		version.TenantID,
		version.AlertID,
		version.Version,
		conditionsJSON,
		suppressionJSON,
		escalationJSON,
		string(version.Severity),
		version.Enabled,
		version.EffectiveFrom,
		version.EffectiveTo,
		version.DisplayPriority,
		version.CreatedBy,
		version.CreatedAt,
		version.ApprovedBy,
		version.ApprovedAt,
		version.ChangeReason,
		version.Deprecated,
		version.DeprecatedBy,
		version.DeprecatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create rule version: %w", err)
	}

	return nil
}

// SwapActiveVersion 激活目标版本并废弃当前激活版本（单事务）
// approvedBy 非空时同时写入审批元数据；目标已废弃时先取消废弃（回滚场景）
// 事务中途失败则整体回滚，不会出现两个或零个激活版本
func (r *RuleVersionsRepository) SwapActiveVersion(ctx context.Context, tenantID, alertID, targetVersionID string, approvedBy *string, actor string, at time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if targetVersionID == "" {
		return fmt.Errorf("target version_id is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 废弃当前激活版本（目标自身除外，保证回滚到当前版本是幂等的）
	deprecateQuery := `
		UPDATE alert_rule_versions
		SET enabled = false,
		    deprecated = true,
		    deprecated_by = $4,
		    deprecated_at = $5,
		    effective_to = $5
		WHERE alert_id = $1
		  AND tenant_id = $2
		  AND enabled = true
		  AND version_id <> $3
	`
	if _, err := tx.ExecContext(ctx, deprecateQuery, alertID, tenantID, targetVersionID, actor, at); err != nil {
		return fmt.Errorf("failed to deprecate current version: %w", err)
	}

	// 激活目标版本（已激活时不重复改写 effective_from）
	activateQuery := `
		UPDATE alert_rule_versions
		SET enabled = true,
		    deprecated = false,
		    deprecated_by = NULL,
		    deprecated_at = NULL,
		    effective_to = NULL,
		    effective_from = COALESCE(effective_from, $4),
		    approved_by = COALESCE($5, approved_by),
		    approved_at = CASE WHEN $5 IS NOT NULL AND approved_at IS NULL THEN $4 ELSE approved_at END
		WHERE version_id = $1
		  AND tenant_id = $2
		  AND alert_id = $3
	`
	result, err := tx.ExecContext(ctx, activateQuery, targetVersionID, tenantID, alertID, at, approvedBy)
	if err != nil {
		return fmt.Errorf("failed to activate target version: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule version not found: version_id=%s, alert_id=%s", targetVersionID, alertID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit version swap: %w", err)
	}

	return nil
}

// DeprecateVersion 废弃版本且不激活任何替代（整体下线规则时使用）
func (r *RuleVersionsRepository) DeprecateVersion(ctx context.Context, tenantID, versionID, actor string, at time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if versionID == "" {
		return fmt.Errorf("version_id is required")
	}

	query := `
		UPDATE alert_rule_versions
		SET enabled = false,
		    deprecated = true,
		    deprecated_by = $3,
		    deprecated_at = $4,
		    effective_to = $4
		WHERE version_id = $1
		  AND tenant_id = $2
		  AND deprecated = false
	`

	result, err := r.db.ExecContext(ctx, query, versionID, tenantID, actor, at)
	if err != nil {
		return fmt.Errorf("failed to deprecate rule version: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule version not found or already deprecated: version_id=%s", versionID)
	}

	return nil
}

// SetApproval 写入审批元数据（不激活）
func (r *RuleVersionsRepository) SetApproval(ctx context.Context, tenantID, versionID, approver string, at time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if versionID == "" {
		return fmt.Errorf("version_id is required")
	}
	if approver == "" {
		return fmt.Errorf("approver is required")
	}

	query := `
		UPDATE alert_rule_versions
		SET approved_by = $3,
		    approved_at = $4
		WHERE version_id = $1
		  AND tenant_id = $2
		  AND approved_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, versionID, tenantID, approver, at)
	if err != nil {
		return fmt.Errorf("failed to set approval: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule version not found or already approved: version_id=%s", versionID)
	}

	return nil
}

// CountEnabledVersions 统计某 alert 的激活版本数（不变式校验用）
func (r *RuleVersionsRepository) CountEnabledVersions(ctx context.Context, tenantID, alertID string) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return 0, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT COUNT(*)
		FROM alert_rule_versions
		WHERE alert_id = $1
		  AND tenant_id = $2
		  AND enabled = true
	`

	var count int
	if err := r.db.QueryRowContext(ctx, query, alertID, tenantID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count enabled versions: %w", err)
	}

	return count, nil
}

// scanRuleVersion 扫描一行规则版本
func scanRuleVersion(row rowScanner) (*models.RuleVersion, error) {
	var version models.RuleVersion
	var severity string
	var conditionsJSON, suppressionJSON, escalationJSON []byte
	var effectiveFrom, effectiveTo, approvedAt, deprecatedAt sql.NullTime
	var approvedBy, deprecatedBy sql.NullString

	err := row.Scan(
		&version.VersionID,
		&version.TenantID,
		&version.AlertID,
		&version.Version,
		&conditionsJSON,
		&suppressionJSON,
		&escalationJSON,
		&severity,
		&version.Enabled,
		&effectiveFrom,
		&effectiveTo,
		&version.DisplayPriority,
		&version.CreatedBy,
		&version.CreatedAt,
		&approvedBy,
		&approvedAt,
		&version.ChangeReason,
		&version.Deprecated,
		&deprecatedBy,
		&deprecatedAt,
	)
	if err != nil {
		return nil, err
	}

	version.Severity = models.Severity(severity)

	// 处理可空字段
	if effectiveFrom.Valid {
		version.EffectiveFrom = &effectiveFrom.Time
	}
	if effectiveTo.Valid {
		version.EffectiveTo = &effectiveTo.Time
	}
	if approvedBy.Valid {
		version.ApprovedBy = &approvedBy.String
	}
	if approvedAt.Valid {
		version.ApprovedAt = &approvedAt.Time
	}
	if deprecatedBy.Valid {
		version.DeprecatedBy = &deprecatedBy.String
	}
	if deprecatedAt.Valid {
		version.DeprecatedAt = &deprecatedAt.Time
	}

	// 处理 JSONB 字段
	if len(conditionsJSON) > 0 {
		if err := json.Unmarshal(conditionsJSON, &version.TriggerConditions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger conditions: %w", err)
		}
	}
	if len(suppressionJSON) > 0 {
		var suppression models.SuppressionRules
		if err := json.Unmarshal(suppressionJSON, &suppression); err != nil {
			return nil, fmt.Errorf("failed to unmarshal suppression rules: %w", err)
		}
		version.Suppression = &suppression
	}
	if len(escalationJSON) > 0 {
		var escalation models.EscalationRules
		if err := json.Unmarshal(escalationJSON, &escalation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal escalation rules: %w", err)
		}
		version.Escalation = &escalation
	}

	return &version, nil
}
