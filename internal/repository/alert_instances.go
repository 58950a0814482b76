package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"renalwatch-cds/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertInstancesRepository 报警实例仓库
// 每次状态迁移 = 条件 UPDATE + 审计 INSERT 的单事务：
// 条件 UPDATE 用合法前置状态做 WHERE 守卫，串行化并发的确认与系统升级
type AlertInstancesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertInstancesRepository 创建报警实例仓库
func NewAlertInstancesRepository(db *sql.DB, logger *zap.Logger) *AlertInstancesRepository {
	return &AlertInstancesRepository{
		db:     db,
		logger: logger,
	}
}

const alertInstanceColumns = `
	instance_id,
	tenant_id,
	alert_id,
	rule_id,
	version_id,
	patient_id,
	doctor_id,
	severity,
	rationale,
	supporting_datapoints,
	suggested_actions,
	visibility,
	fired_at,
	acknowledged_at,
	acknowledged_by,
	acknowledged_note,
	suppressed,
	suppression_reason,
	escalated,
	escalated_at,
	cooldown_expiry,
	created_at,
	updated_at
`

// CreateInstance 创建报警实例并在同事务写入 fired 审计行
func (r *AlertInstancesRepository) CreateInstance(ctx context.Context, tenantID string, instance *models.AlertInstance) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if instance == nil {
		return fmt.Errorf("instance is required")
	}
	if instance.TenantID != tenantID {
		return fmt.Errorf("instance.tenant_id must match tenant_id parameter")
	}

	datapointsJSON, err := json.Marshal(instance.SupportingDatapoints)
	if err != nil {
		return fmt.Errorf("failed to marshal supporting datapoints: %w", err)
	}
	actionsJSON, err := json.Marshal(instance.SuggestedActions)
	if err != nil {
		return fmt.Errorf("failed to marshal suggested actions: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO alert_instances (` + alertInstanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`

	_, err = tx.ExecContext(ctx, query,
		instance.InstanceID,
		instance.TenantID,
		instance.AlertID,
		instance.RuleID,
		instance.VersionID,
		instance.PatientID,
		instance.DoctorID,
		string(instance.Severity),
		instance.Rationale,
		datapointsJSON,
		actionsJSON,
		instance.Visibility,
		instance.FiredAt,
		instance.AcknowledgedAt,
		instance.AcknowledgedBy,
		instance.AcknowledgedNote,
		instance.Suppressed,
		instance.SuppressionReason,
		instance.Escalated,
		instance.EscalatedAt,
		instance.CooldownExpiry,
		instance.CreatedAt,
		instance.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert instance: %w", err)
	}

	entry := &models.AlertAuditEntry{
		AuditID:    uuid.New().String(),
		TenantID:   tenantID,
		InstanceID: instance.InstanceID,
		Action:     models.AuditActionFired,
		ActorID:    "system",
		ActorRole:  "system",
		Details:    instance.Rationale,
		CreatedAt:  instance.FiredAt,
	}
	if err := insertAuditTx(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit alert instance: %w", err)
	}

	return nil
}

// GetInstance 根据 instance_id 获取报警实例
func (r *AlertInstancesRepository) GetInstance(ctx context.Context, tenantID, instanceID string) (*models.AlertInstance, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if instanceID == "" {
		return nil, fmt.Errorf("instance_id is required")
	}

	query := `
		SELECT ` + alertInstanceColumns + `
		FROM alert_instances
		WHERE instance_id = $1
		  AND tenant_id = $2
	`

	instance, err := scanInstance(r.db.QueryRowContext(ctx, query, instanceID, tenantID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("alert instance not found: instance_id=%s, tenant_id=%s", instanceID, tenantID)
		}
		return nil, fmt.Errorf("failed to get alert instance: %w", err)
	}

	return instance, nil
}

// ListRecentInstances 获取 (规则, 患者) 在时间窗口内的未抑制实例（去重检查用，fired_at 倒序）
func (r *AlertInstancesRepository) ListRecentInstances(ctx context.Context, tenantID, ruleID, patientID string, withinHours int) ([]models.AlertInstance, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if ruleID == "" {
		return nil, fmt.Errorf("rule_id is required")
	}
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}

	cutoff := time.Now().Add(-time.Duration(withinHours) * time.Hour)

	query := `
		SELECT ` + alertInstanceColumns + `
		FROM alert_instances
		WHERE tenant_id = $1
		  AND rule_id = $2
		  AND patient_id = $3
		  AND suppressed = false
		  AND fired_at > $4
		ORDER BY fired_at DESC
	`

	return r.queryInstances(ctx, query, tenantID, ruleID, patientID, cutoff)
}

// ListOpenInstancesForPatient 获取患者的未决实例（未抑制且未确认，快照聚合用）
func (r *AlertInstancesRepository) ListOpenInstancesForPatient(ctx context.Context, tenantID, patientID string) ([]models.AlertInstance, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}

	query := `
		SELECT ` + alertInstanceColumns + `
		FROM alert_instances
		WHERE tenant_id = $1
		  AND patient_id = $2
		  AND suppressed = false
		  AND acknowledged_at IS NULL
		ORDER BY fired_at DESC
	`

	return r.queryInstances(ctx, query, tenantID, patientID)
}

// ListEscalationCandidates 获取尚未升级的未决实例（升级巡检用）
func (r *AlertInstancesRepository) ListEscalationCandidates(ctx context.Context, tenantID string) ([]models.AlertInstance, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := `
		SELECT ` + alertInstanceColumns + `
		FROM alert_instances
		WHERE tenant_id = $1
		  AND suppressed = false
		  AND acknowledged_at IS NULL
		  AND escalated = false
		ORDER BY fired_at ASC
	`

	return r.queryInstances(ctx, query, tenantID)
}

// AcknowledgeInstance 确认报警（合法前置状态：未抑制且未确认；已升级实例允许确认）
func (r *AlertInstancesRepository) AcknowledgeInstance(ctx context.Context, tenantID, instanceID, actorID, actorRole string, note *string, at time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if instanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if actorID == "" {
		return fmt.Errorf("actor_id is required")
	}

	query := `
		UPDATE alert_instances
		SET acknowledged_at = $3,
		    acknowledged_by = $4,
		    acknowledged_note = $5,
		    updated_at = $3
		WHERE instance_id = $1
		  AND tenant_id = $2
		  AND suppressed = false
		  AND acknowledged_at IS NULL
	`

	details := "acknowledged"
	if note != nil && *note != "" {
		details = *note
	}

	return r.transition(ctx, tenantID, instanceID, models.AuditActionAcknowledged, actorID, actorRole, details, at,
		query, instanceID, tenantID, at, actorID, note)
}

// SuppressInstance 驳回/抑制报警（终态；合法前置状态：未抑制）
func (r *AlertInstancesRepository) SuppressInstance(ctx context.Context, tenantID, instanceID, actorID, actorRole, reason string, at time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if instanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if actorID == "" {
		return fmt.Errorf("actor_id is required")
	}
	if reason == "" {
		return fmt.Errorf("reason is required")
	}

	query := `
		UPDATE alert_instances
		SET suppressed = true,
		    suppression_reason = $3,
		    updated_at = $4
		WHERE instance_id = $1
		  AND tenant_id = $2
		  AND suppressed = false
	`

	return r.transition(ctx, tenantID, instanceID, models.AuditActionDismissed, actorID, actorRole, reason, at,
		query, instanceID, tenantID, reason, at)
}

// EscalateInstance 系统升级（合法前置状态：未抑制、未确认、未升级）
func (r *AlertInstancesRepository) EscalateInstance(ctx context.Context, tenantID, instanceID string, toSeverity models.Severity, at time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if instanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !toSeverity.Valid() {
		return fmt.Errorf("invalid severity: %s", toSeverity)
	}

	query := `
		UPDATE alert_instances
		SET severity = $3,
		    escalated = true,
		    escalated_at = $4,
		    updated_at = $4
		WHERE instance_id = $1
		  AND tenant_id = $2
		  AND suppressed = false
		  AND acknowledged_at IS NULL
		  AND escalated = false
	`

	details := fmt.Sprintf("escalated to %s", toSeverity)
	return r.transition(ctx, tenantID, instanceID, models.AuditActionEscalated, "system", "system", details, at,
		query, instanceID, tenantID, string(toSeverity), at)
}

// BumpSeverity 在已有实例上提升级别（refire_on_severity_increase 场景）
func (r *AlertInstancesRepository) BumpSeverity(ctx context.Context, tenantID, instanceID string, toSeverity models.Severity, at time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if instanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !toSeverity.Valid() {
		return fmt.Errorf("invalid severity: %s", toSeverity)
	}

	query := `
		UPDATE alert_instances
		SET severity = $3,
		    updated_at = $4
		WHERE instance_id = $1
		  AND tenant_id = $2
		  AND suppressed = false
	`

	details := fmt.Sprintf("severity raised to %s on refire", toSeverity)
	return r.transition(ctx, tenantID, instanceID, models.AuditActionModified, "system", "system", details, at,
		query, instanceID, tenantID, string(toSeverity), at)
}

// transition 执行一次状态迁移：条件 UPDATE + 审计 INSERT 同事务提交
// WHERE 守卫未命中（并发迁移已先行、或前置状态不合法）时返回错误，不写审计
func (r *AlertInstancesRepository) transition(
	ctx context.Context,
	tenantID, instanceID, action, actorID, actorRole, details string,
	at time.Time,
	query string,
	args ...interface{},
) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update alert instance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("illegal transition %q: instance not found or not in a legal state: instance_id=%s", action, instanceID)
	}

	entry := &models.AlertAuditEntry{
		AuditID:    uuid.New().String(),
		TenantID:   tenantID,
		InstanceID: instanceID,
		Action:     action,
		ActorID:    actorID,
		ActorRole:  actorRole,
		Details:    details,
		CreatedAt:  at,
	}
	if err := insertAuditTx(ctx, tx, entry); err != nil {
		// 审计写入失败：整个迁移回滚，调用方收到失败
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}

	return nil
}

// queryInstances 执行实例列表查询
func (r *AlertInstancesRepository) queryInstances(ctx context.Context, query string, args ...interface{}) ([]models.AlertInstance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert instances: %w", err)
	}
	defer rows.Close()

	instances := []models.AlertInstance{}
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert instance: %w", err)
		}
		instances = append(instances, *instance)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert instances: %w", err)
	}

	return instances, nil
}

// scanInstance 扫描一行报警实例
func scanInstance(row rowScanner) (*models.AlertInstance, error) {
	var instance models.AlertInstance
	var severity string
	var datapointsJSON, actionsJSON []byte
	var acknowledgedAt, escalatedAt sql.NullTime
	var acknowledgedBy, acknowledgedNote, suppressionReason sql.NullString

	err := row.Scan(
		&instance.InstanceID,
		&instance.TenantID,
		&instance.AlertID,
		&instance.RuleID,
		&instance.VersionID,
		&instance.PatientID,
		&instance.DoctorID,
		&severity,
		&instance.Rationale,
		&datapointsJSON,
		&actionsJSON,
		&instance.Visibility,
		&instance.FiredAt,
		&acknowledgedAt,
		&acknowledgedBy,
		&acknowledgedNote,
		&instance.Suppressed,
		&suppressionReason,
		&instance.Escalated,
		&escalatedAt,
		&instance.CooldownExpiry,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	instance.Severity = models.Severity(severity)

	// 处理可空字段
	if acknowledgedAt.Valid {
		instance.AcknowledgedAt = &acknowledgedAt.Time
	}
	if acknowledgedBy.Valid {
		instance.AcknowledgedBy = &acknowledgedBy.String
	}
	if acknowledgedNote.Valid {
		instance.AcknowledgedNote = &acknowledgedNote.String
	}
	if suppressionReason.Valid {
		instance.SuppressionReason = &suppressionReason.String
	}
	if escalatedAt.Valid {
		instance.EscalatedAt = &escalatedAt.Time
	}

	// 处理 JSONB 字段
	if len(datapointsJSON) > 0 {
		if err := json.Unmarshal(datapointsJSON, &instance.SupportingDatapoints); err != nil {
			return nil, fmt.Errorf("failed to unmarshal supporting datapoints: %w", err)
		}
	}
	if len(actionsJSON) > 0 {
		if err := json.Unmarshal(actionsJSON, &instance.SuggestedActions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal suggested actions: %w", err)
		}
	}

	return &instance, nil
}
