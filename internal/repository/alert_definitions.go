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

// AlertDefinitionsRepository 报警规则定义仓库
type AlertDefinitionsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertDefinitionsRepository 创建规则定义仓库
func NewAlertDefinitionsRepository(db *sql.DB, logger *zap.Logger) *AlertDefinitionsRepository {
	return &AlertDefinitionsRepository{
		db:     db,
		logger: logger,
	}
}

const alertDefinitionColumns = `
	alert_id,
	tenant_id,
	rule_id,
	name,
	category,
	severity,
	enabled,
	visibility,
	rationale_template,
	suggested_actions,
	patient_safe_copy,
	created_at,
	updated_at
`

// GetDefinition 根据 alert_id 获取规则定义（需验证 tenant_id）
func (r *AlertDefinitionsRepository) GetDefinition(ctx context.Context, tenantID, alertID string) (*models.AlertDefinition, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT ` + alertDefinitionColumns + `
		FROM alert_definitions
		WHERE alert_id = $1
		  AND tenant_id = $2
	`

	def, err := scanDefinition(r.db.QueryRowContext(ctx, query, alertID, tenantID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("alert definition not found: alert_id=%s, tenant_id=%s", alertID, tenantID)
		}
		return nil, fmt.Errorf("failed to get alert definition: %w", err)
	}

	return def, nil
}

// GetDefinitionByRuleID 根据稳定业务键 rule_id 获取规则定义
func (r *AlertDefinitionsRepository) GetDefinitionByRuleID(ctx context.Context, tenantID, ruleID string) (*models.AlertDefinition, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if ruleID == "" {
		return nil, fmt.Errorf("rule_id is required")
	}

	query := `
		SELECT ` + alertDefinitionColumns + `
		FROM alert_definitions
		WHERE rule_id = $1
		  AND tenant_id = $2
	`

	def, err := scanDefinition(r.db.QueryRowContext(ctx, query, ruleID, tenantID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("alert definition not found: rule_id=%s, tenant_id=%s", ruleID, tenantID)
		}
		return nil, fmt.Errorf("failed to get alert definition: %w", err)
	}

	return def, nil
}

// ListDefinitions 列出租户的规则定义
// onlyEnabled=true 时仅返回启用的规则（求值批次使用）
func (r *AlertDefinitionsRepository) ListDefinitions(ctx context.Context, tenantID string, onlyEnabled bool) ([]*models.AlertDefinition, error) {
	if tenantID == "" {
		return []*models.AlertDefinition{}, nil
	}

	query := `
		SELECT ` + alertDefinitionColumns + `
		FROM alert_definitions
		WHERE tenant_id = $1
	`
	if onlyEnabled {
		query += ` AND enabled = true`
	}
	query += ` ORDER BY category, name`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert definitions: %w", err)
	}
	defer rows.Close()

	definitions := []*models.AlertDefinition{}
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert definition: %w", err)
		}
		definitions = append(definitions, def)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert definitions: %w", err)
	}

	return definitions, nil
}

// CreateDefinition 创建规则定义
func (r *AlertDefinitionsRepository) CreateDefinition(ctx context.Context, tenantID string, def *models.AlertDefinition) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if def == nil {
		return fmt.Errorf("definition is required")
	}
	if def.TenantID != tenantID {
		return fmt.Errorf("definition.tenant_id must match tenant_id parameter")
	}
	if def.RuleID == "" {
		return fmt.Errorf("rule_id is required")
	}
	if !models.ValidCategory(def.Category) {
		return fmt.Errorf("invalid category: %s", def.Category)
	}
	if !models.ValidVisibility(def.Visibility) {
		return fmt.Errorf("invalid visibility: %s", def.Visibility)
	}
	if !def.Severity.Valid() {
		return fmt.Errorf("invalid severity: %s", def.Severity)
	}

	actionsJSON, err := json.Marshal(def.SuggestedActions)
	if err != nil {
		return fmt.Errorf("failed to marshal suggested actions: %w", err)
	}

	query := `
		INSERT INTO alert_definitions (` + alertDefinitionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err = r.db.ExecContext(ctx, query,
		def.AlertID,
		def.TenantID,
		def.RuleID,
		def.Name,
		def.Category,
		string(def.Severity),
		def.Enabled,
		def.Visibility,
		def.RationaleTemplate,
		actionsJSON,
		def.PatientSafeCopy,
		def.CreatedAt,
		def.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert definition: %w", err)
	}

	return nil
}

// SetEnabled 启用/停用规则定义
func (r *AlertDefinitionsRepository) SetEnabled(ctx context.Context, tenantID, alertID string, enabled bool) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	query := `
		UPDATE alert_definitions
		SET enabled = $3,
		    updated_at = CURRENT_TIMESTAMP
		WHERE alert_id = $1
		  AND tenant_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, alertID, tenantID, enabled)
	if err != nil {
		return fmt.Errorf("failed to update alert definition: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert definition not found: alert_id=%s, tenant_id=%s", alertID, tenantID)
	}

	return nil
}

// UpdateSeverity 同步定义级别（激活不同级别的版本时调用）
func (r *AlertDefinitionsRepository) UpdateSeverity(ctx context.Context, tenantID, alertID string, severity models.Severity) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if !severity.Valid() {
		return fmt.Errorf("invalid severity: %s", severity)
	}

	query := `
		UPDATE alert_definitions
		SET severity = $3,
		    updated_at = CURRENT_TIMESTAMP
		WHERE alert_id = $1
		  AND tenant_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, alertID, tenantID, string(severity))
	if err != nil {
		return fmt.Errorf("failed to update alert definition severity: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert definition not found: alert_id=%s, tenant_id=%s", alertID, tenantID)
	}

	return nil
}

// rowScanner database/sql 的 Row/Rows 公共扫描接口
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanDefinition 扫描一行规则定义
func scanDefinition(row rowScanner) (*models.AlertDefinition, error) {
	var def models.AlertDefinition
	var severity string
	var actionsJSON []byte
	var createdAt, updatedAt time.Time

	err := row.Scan(
		&def.AlertID,
		&def.TenantID,
		&def.RuleID,
		&def.Name,
		&def.Category,
		&severity,
		&def.Enabled,
		&def.Visibility,
		&def.RationaleTemplate,
		&actionsJSON,
		&def.PatientSafeCopy,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	def.Severity = models.Severity(severity)
	def.CreatedAt = createdAt
	def.UpdatedAt = updatedAt

	if len(actionsJSON) > 0 {
		if err := json.Unmarshal(actionsJSON, &def.SuggestedActions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal suggested actions: %w", err)
		}
	}

	return &def, nil
}
