// Package governance 规则版本治理工作流
// 约束：同一 alert_id 任一时刻最多一个 enabled 版本；high/critical 版本需审批后方可激活；
// 版本号单调递增，历史版本只弃用不删除
package governance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"renalwatch-cds/internal/models"
	"renalwatch-cds/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WorkflowResult 工作流操作结果
type WorkflowResult struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	RequiresApproval bool   `json:"requires_approval"`
	VersionID        string `json:"version_id,omitempty"`
	Version          int    `json:"version,omitempty"`
}

// Workflow 版本治理工作流
type Workflow struct {
	versions    *repository.RuleVersionsRepository
	definitions *repository.AlertDefinitionsRepository
	logger      *zap.Logger
}

// NewWorkflow 创建治理工作流
func NewWorkflow(
	versions *repository.RuleVersionsRepository,
	definitions *repository.AlertDefinitionsRepository,
	logger *zap.Logger,
) *Workflow {
	return &Workflow{
		versions:    versions,
		definitions: definitions,
		logger:      logger,
	}
}

// CreateVersion 创建新版本草稿（enabled=false，版本号 = 当前最大 + 1）
// high/critical 版本返回 RequiresApproval=true，激活前必须先审批
func (w *Workflow) CreateVersion(
	ctx context.Context,
	tenantID, alertID string,
	conditions models.TriggerConditions,
	suppression *models.SuppressionRules,
	escalation *models.EscalationRules,
	severity models.Severity,
	createdBy, changeReason string,
) (*WorkflowResult, error) {
	if createdBy == "" {
		return nil, fmt.Errorf("created_by is required")
	}
	if changeReason == "" {
		return nil, fmt.Errorf("change_reason is required")
	}
	if !severity.Valid() {
		return nil, fmt.Errorf("invalid severity: %s", severity)
	}
	if err := conditions.Validate(); err != nil {
		return nil, fmt.Errorf("invalid trigger conditions: %w", err)
	}

	def, err := w.definitions.GetDefinition(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}

	nextNumber, err := w.versions.NextVersionNumber(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}

	version := &models.RuleVersion{
		VersionID:         uuid.New().String(),
		TenantID:          tenantID,
		AlertID:           alertID,
		Version:           nextNumber,
		TriggerConditions: conditions,
		Suppression:       suppression,
		Escalation:        escalation,
		Severity:          severity,
		Enabled:           false,
		CreatedBy:         createdBy,
		CreatedAt:         time.Now(),
		ChangeReason:      changeReason,
	}

	if err := w.versions.CreateVersion(ctx, tenantID, version); err != nil {
		return nil, err
	}

	w.logger.Info("Rule version created",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", alertID),
		zap.String("rule_id", def.RuleID),
		zap.Int("version", nextNumber),
		zap.String("severity", string(severity)),
		zap.String("created_by", createdBy))

	return &WorkflowResult{
		Success:          true,
		Message:          fmt.Sprintf("version %d created", nextNumber),
		RequiresApproval: severity.RequiresApproval(),
		VersionID:        version.VersionID,
		Version:          nextNumber,
	}, nil
}

// Approve 审批并激活版本（弃用当前 enabled 版本 + 激活目标版本，单事务交换）
func (w *Workflow) Approve(ctx context.Context, tenantID, alertID string, versionNumber int, approver string) (*WorkflowResult, error) {
	if approver == "" {
		return nil, fmt.Errorf("approver is required")
	}

	target, err := w.versions.GetVersionByNumber(ctx, tenantID, alertID, versionNumber)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("rule version not found: alert_id=%s, version=%d", alertID, versionNumber)
	}
	if target.ApprovedAt != nil {
		return nil, fmt.Errorf("version %d already approved by %s", versionNumber, derefOr(target.ApprovedBy, "unknown"))
	}

	now := time.Now()
	if err := w.versions.SwapActiveVersion(ctx, tenantID, alertID, target.VersionID, &approver, approver, now); err != nil {
		return nil, err
	}

	w.logger.Info("Rule version approved and activated",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", alertID),
		zap.Int("version", versionNumber),
		zap.String("approver", approver))

	return &WorkflowResult{
		Success:   true,
		Message:   fmt.Sprintf("version %d approved and activated", versionNumber),
		VersionID: target.VersionID,
		Version:   versionNumber,
	}, nil
}

// Activate 不经审批直接激活（仅 info/review 级别允许）
func (w *Workflow) Activate(ctx context.Context, tenantID, alertID string, versionNumber int, actor string) (*WorkflowResult, error) {
	if actor == "" {
		return nil, fmt.Errorf("actor is required")
	}

	target, err := w.versions.GetVersionByNumber(ctx, tenantID, alertID, versionNumber)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("rule version not found: alert_id=%s, version=%d", alertID, versionNumber)
	}

	if target.Severity.RequiresApproval() && target.ApprovedAt == nil {
		return &WorkflowResult{
			Success:          false,
			Message:          fmt.Sprintf("version %d has severity %s and requires approval before activation", versionNumber, target.Severity),
			RequiresApproval: true,
			VersionID:        target.VersionID,
			Version:          versionNumber,
		}, nil
	}

	now := time.Now()
	if err := w.versions.SwapActiveVersion(ctx, tenantID, alertID, target.VersionID, nil, actor, now); err != nil {
		return nil, err
	}

	w.logger.Info("Rule version activated",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", alertID),
		zap.Int("version", versionNumber),
		zap.String("actor", actor))

	return &WorkflowResult{
		Success:   true,
		Message:   fmt.Sprintf("version %d activated", versionNumber),
		VersionID: target.VersionID,
		Version:   versionNumber,
	}, nil
}

// Rollback 回滚到历史版本：弃用当前版本、重新激活目标版本（同一事务）
// 目标已是当前 enabled 版本时幂等返回成功
func (w *Workflow) Rollback(ctx context.Context, tenantID, alertID string, targetVersion int, actor, reason string) (*WorkflowResult, error) {
	if actor == "" {
		return nil, fmt.Errorf("actor is required")
	}
	if reason == "" {
		return nil, fmt.Errorf("rollback reason is required")
	}

	target, err := w.versions.GetVersionByNumber(ctx, tenantID, alertID, targetVersion)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("rollback target not found: alert_id=%s, version=%d", alertID, targetVersion)
	}

	if target.Enabled && !target.Deprecated {
		return &WorkflowResult{
			Success:   true,
			Message:   fmt.Sprintf("version %d is already active", targetVersion),
			VersionID: target.VersionID,
			Version:   targetVersion,
		}, nil
	}

	// high/critical 的回滚目标若从未审批过，同样不允许绕过审批
	if target.Severity.RequiresApproval() && target.ApprovedAt == nil {
		return &WorkflowResult{
			Success:          false,
			Message:          fmt.Sprintf("rollback target version %d has severity %s and was never approved", targetVersion, target.Severity),
			RequiresApproval: true,
			VersionID:        target.VersionID,
			Version:          targetVersion,
		}, nil
	}

	now := time.Now()
	if err := w.versions.SwapActiveVersion(ctx, tenantID, alertID, target.VersionID, nil, actor, now); err != nil {
		return nil, err
	}

	w.logger.Warn("Rule version rolled back",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", alertID),
		zap.Int("target_version", targetVersion),
		zap.String("actor", actor),
		zap.String("reason", fmt.Sprintf("Rollback: %s", reason)))

	return &WorkflowResult{
		Success:   true,
		Message:   fmt.Sprintf("Rollback: %s", reason),
		VersionID: target.VersionID,
		Version:   targetVersion,
	}, nil
}

// Deprecate 弃用版本且不指定替代版本；弃用后若无任何 enabled 版本，关闭所属定义
func (w *Workflow) Deprecate(ctx context.Context, tenantID, alertID string, versionNumber int, actor string) (*WorkflowResult, error) {
	if actor == "" {
		return nil, fmt.Errorf("actor is required")
	}

	target, err := w.versions.GetVersionByNumber(ctx, tenantID, alertID, versionNumber)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("rule version not found: alert_id=%s, version=%d", alertID, versionNumber)
	}
	if target.Deprecated {
		return &WorkflowResult{
			Success:   true,
			Message:   fmt.Sprintf("version %d already deprecated", versionNumber),
			VersionID: target.VersionID,
			Version:   versionNumber,
		}, nil
	}

	now := time.Now()
	if err := w.versions.DeprecateVersion(ctx, tenantID, target.VersionID, actor, now); err != nil {
		return nil, err
	}

	remaining, err := w.versions.CountEnabledVersions(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}
	if remaining == 0 {
		if err := w.definitions.SetEnabled(ctx, tenantID, alertID, false); err != nil {
			return nil, err
		}
		w.logger.Warn("Alert definition disabled: no active rule version remains",
			zap.String("tenant_id", tenantID),
			zap.String("alert_id", alertID))
	}

	w.logger.Info("Rule version deprecated",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", alertID),
		zap.Int("version", versionNumber),
		zap.String("actor", actor))

	return &WorkflowResult{
		Success:   true,
		Message:   fmt.Sprintf("version %d deprecated", versionNumber),
		VersionID: target.VersionID,
		Version:   versionNumber,
	}, nil
}

// VersionEvent 版本变更事件（由版本行重建，非独立存储）
type VersionEvent struct {
	Version   int       `json:"version"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// VersionHistory 按时间顺序重建版本变更历史
func (w *Workflow) VersionHistory(ctx context.Context, tenantID, alertID string) ([]VersionEvent, error) {
	versions, err := w.versions.ListVersions(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("no versions found: alert_id=%s", alertID)
	}

	events := []VersionEvent{}
	for _, v := range versions {
		events = append(events, VersionEvent{
			Version:   v.Version,
			Action:    "created",
			Actor:     v.CreatedBy,
			Timestamp: v.CreatedAt,
			Detail:    v.ChangeReason,
		})
		if v.ApprovedAt != nil {
			events = append(events, VersionEvent{
				Version:   v.Version,
				Action:    "approved",
				Actor:     derefOr(v.ApprovedBy, "unknown"),
				Timestamp: *v.ApprovedAt,
			})
		}
		if v.EffectiveFrom != nil {
			events = append(events, VersionEvent{
				Version:   v.Version,
				Action:    "activated",
				Actor:     derefOr(v.ApprovedBy, v.CreatedBy),
				Timestamp: *v.EffectiveFrom,
			})
		}
		if v.Deprecated && v.DeprecatedAt != nil {
			events = append(events, VersionEvent{
				Version:   v.Version,
				Action:    "deprecated",
				Actor:     derefOr(v.DeprecatedBy, "system"),
				Timestamp: *v.DeprecatedAt,
			})
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	return events, nil
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
