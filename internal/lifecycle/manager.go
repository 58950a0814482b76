// Package lifecycle 报警实例生命周期管理
// 状态机：fired → acknowledged | dismissed；fired → escalated → acknowledged | dismissed
// dismissed 为终态；所有迁移连同审计行在仓库层单事务提交
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"renalwatch-cds/internal/models"
	"renalwatch-cds/internal/repository"

	"go.uber.org/zap"
)

// Manager 实例生命周期管理器
type Manager struct {
	instances *repository.AlertInstancesRepository
	audit     *repository.AlertAuditRepository
	logger    *zap.Logger
}

// NewManager 创建生命周期管理器
func NewManager(
	instances *repository.AlertInstancesRepository,
	audit *repository.AlertAuditRepository,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		instances: instances,
		audit:     audit,
		logger:    logger,
	}
}

// Acknowledge 医生确认报警
// 已抑制实例不可确认；重复确认返回错误（首次确认已生效）
func (m *Manager) Acknowledge(ctx context.Context, tenantID, instanceID, actorID, actorRole string, note *string) error {
	instance, err := m.instances.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return err
	}

	if instance.Suppressed {
		return fmt.Errorf("cannot acknowledge a dismissed alert: instance_id=%s", instanceID)
	}
	if instance.AcknowledgedAt != nil {
		return fmt.Errorf("alert already acknowledged by %s: instance_id=%s", derefOr(instance.AcknowledgedBy, "unknown"), instanceID)
	}

	now := time.Now()
	if err := m.instances.AcknowledgeInstance(ctx, tenantID, instanceID, actorID, actorRole, note, now); err != nil {
		return err
	}

	m.logger.Info("Alert acknowledged",
		zap.String("tenant_id", tenantID),
		zap.String("instance_id", instanceID),
		zap.String("actor_id", actorID),
		zap.String("actor_role", actorRole))

	return nil
}

// Dismiss 医生驳回报警（终态，需给出原因）
func (m *Manager) Dismiss(ctx context.Context, tenantID, instanceID, actorID, actorRole, reason string) error {
	if reason == "" {
		return fmt.Errorf("dismiss reason is required")
	}

	instance, err := m.instances.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return err
	}

	if instance.Suppressed {
		return fmt.Errorf("alert already dismissed: instance_id=%s", instanceID)
	}

	now := time.Now()
	if err := m.instances.SuppressInstance(ctx, tenantID, instanceID, actorID, actorRole, reason, now); err != nil {
		return err
	}

	m.logger.Info("Alert dismissed",
		zap.String("tenant_id", tenantID),
		zap.String("instance_id", instanceID),
		zap.String("actor_id", actorID),
		zap.String("reason", reason))

	return nil
}

// Escalate 系统升级未响应报警
// 已确认、已驳回、已升级过的实例不再升级；目标级别必须高于当前级别
func (m *Manager) Escalate(ctx context.Context, tenantID, instanceID string, toSeverity models.Severity) error {
	instance, err := m.instances.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return err
	}

	if instance.Suppressed {
		return fmt.Errorf("cannot escalate a dismissed alert: instance_id=%s", instanceID)
	}
	if instance.AcknowledgedAt != nil {
		return fmt.Errorf("cannot escalate an acknowledged alert: instance_id=%s", instanceID)
	}
	if instance.Escalated {
		return fmt.Errorf("alert already escalated: instance_id=%s", instanceID)
	}
	if toSeverity.Rank() <= instance.Severity.Rank() {
		return fmt.Errorf("escalation target %s is not above current severity %s: instance_id=%s",
			toSeverity, instance.Severity, instanceID)
	}

	now := time.Now()
	if err := m.instances.EscalateInstance(ctx, tenantID, instanceID, toSeverity, now); err != nil {
		return err
	}

	m.logger.Warn("Alert escalated",
		zap.String("tenant_id", tenantID),
		zap.String("instance_id", instanceID),
		zap.String("from_severity", string(instance.Severity)),
		zap.String("to_severity", string(toSeverity)))

	return nil
}

// Get 获取单个实例
func (m *Manager) Get(ctx context.Context, tenantID, instanceID string) (*models.AlertInstance, error) {
	return m.instances.GetInstance(ctx, tenantID, instanceID)
}

// ListOpenForPatient 获取患者未决实例
func (m *Manager) ListOpenForPatient(ctx context.Context, tenantID, patientID string) ([]models.AlertInstance, error) {
	return m.instances.ListOpenInstancesForPatient(ctx, tenantID, patientID)
}

// AuditTrail 获取实例的完整审计轨迹
func (m *Manager) AuditTrail(ctx context.Context, tenantID, instanceID string) ([]*models.AlertAuditEntry, error) {
	return m.audit.ListEntries(ctx, tenantID, instanceID)
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
