package repository

import (
	"context"
	"database/sql"
	"fmt"

	"renalwatch-cds/internal/models"

	"go.uber.org/zap"
)

// AlertAuditRepository 报警审计日志仓库（append-only，从不更新或删除）
type AlertAuditRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertAuditRepository 创建审计日志仓库
func NewAlertAuditRepository(db *sql.DB, logger *zap.Logger) *AlertAuditRepository {
	return &AlertAuditRepository{
		db:     db,
		logger: logger,
	}
}

const auditInsertQuery = `
	INSERT INTO alert_audit_log (
		audit_id,
		tenant_id,
		instance_id,
		action,
		actor_id,
		actor_role,
		details,
		created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

// InsertEntry 写入一条审计日志
func (r *AlertAuditRepository) InsertEntry(ctx context.Context, tenantID string, entry *models.AlertAuditEntry) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if entry == nil {
		return fmt.Errorf("entry is required")
	}
	if entry.TenantID != tenantID {
		return fmt.Errorf("entry.tenant_id must match tenant_id parameter")
	}

	_, err := r.db.ExecContext(ctx, auditInsertQuery,
		entry.AuditID,
		entry.TenantID,
		entry.InstanceID,
		entry.Action,
		entry.ActorID,
		entry.ActorRole,
		entry.Details,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	return nil
}

// insertAuditTx 在已开启事务内写入审计日志
// 状态迁移与其审计行必须同事务提交：审计写入失败则整个迁移回滚
func insertAuditTx(ctx context.Context, tx *sql.Tx, entry *models.AlertAuditEntry) error {
	_, err := tx.ExecContext(ctx, auditInsertQuery,
		entry.AuditID,
		entry.TenantID,
		entry.InstanceID,
		entry.Action,
		entry.ActorID,
		entry.ActorRole,
		entry.Details,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// ListEntries 列出某实例的审计日志（created_at 倒序，用于展示）
func (r *AlertAuditRepository) ListEntries(ctx context.Context, tenantID, instanceID string) ([]*models.AlertAuditEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if instanceID == "" {
		return nil, fmt.Errorf("instance_id is required")
	}

	query := `
		SELECT
			audit_id,
			tenant_id,
			instance_id,
			action,
			actor_id,
			actor_role,
			details,
			created_at
		FROM alert_audit_log
		WHERE instance_id = $1
		  AND tenant_id = $2
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, instanceID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*models.AlertAuditEntry{}
	for rows.Next() {
		var entry models.AlertAuditEntry
		if err := rows.Scan(
			&entry.AuditID,
			&entry.TenantID,
			&entry.InstanceID,
			&entry.Action,
			&entry.ActorID,
			&entry.ActorRole,
			&entry.Details,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}

	return entries, nil
}
