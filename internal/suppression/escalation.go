package suppression

import (
	"context"
	"time"

	"renalwatch-cds/internal/lifecycle"
	"renalwatch-cds/internal/models"
	"renalwatch-cds/internal/repository"

	"go.uber.org/zap"
)

// RoleNotifier 升级后按角色补发通知
type RoleNotifier interface {
	NotifyRoles(ctx context.Context, tenantID string, instance *models.AlertInstance, roles []string) error
}

// Sweeper 升级巡检：扫描超时未确认的未决实例并执行升级
// 巡检按固定排程运行，单次失败只记日志不中断整轮
type Sweeper struct {
	instances *repository.AlertInstancesRepository
	versions  *repository.RuleVersionsRepository
	manager   *lifecycle.Manager
	notifier  RoleNotifier
	logger    *zap.Logger
}

// NewSweeper 创建升级巡检器；notifier 可为 nil（不发通知）
func NewSweeper(
	instances *repository.AlertInstancesRepository,
	versions *repository.RuleVersionsRepository,
	manager *lifecycle.Manager,
	notifier RoleNotifier,
	logger *zap.Logger,
) *Sweeper {
	return &Sweeper{
		instances: instances,
		versions:  versions,
		manager:   manager,
		notifier:  notifier,
		logger:    logger,
	}
}

// Sweep 执行一轮升级巡检，返回本轮升级的实例数
func (s *Sweeper) Sweep(ctx context.Context, tenantID string, now time.Time) (int, error) {
	candidates, err := s.instances.ListEscalationCandidates(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	escalated := 0
	for i := range candidates {
		instance := &candidates[i]
		if s.sweepOne(ctx, tenantID, instance, now) {
			escalated++
		}
	}

	if escalated > 0 {
		s.logger.Info("Escalation sweep completed",
			zap.String("tenant_id", tenantID),
			zap.Int("candidates", len(candidates)),
			zap.Int("escalated", escalated))
	}

	return escalated, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, tenantID string, instance *models.AlertInstance, now time.Time) bool {
	version, err := s.versions.GetVersion(ctx, tenantID, instance.VersionID)
	if err != nil {
		s.logger.Warn("Failed to load rule version for escalation check",
			zap.String("instance_id", instance.InstanceID),
			zap.String("version_id", instance.VersionID),
			zap.Error(err))
		return false
	}

	rules := version.Escalation
	if rules == nil || rules.EscalateAfterHours <= 0 {
		return false
	}

	deadline := instance.FiredAt.Add(time.Duration(rules.EscalateAfterHours) * time.Hour)
	if now.Before(deadline) {
		return false
	}

	toSeverity := rules.EscalateToSeverity
	if !toSeverity.Valid() || toSeverity.Rank() <= instance.Severity.Rank() {
		// 目标级别缺失或不高于当前级别：按相邻上一级升级
		toSeverity = nextSeverity(instance.Severity)
		if toSeverity == instance.Severity {
			return false
		}
	}

	if err := s.manager.Escalate(ctx, tenantID, instance.InstanceID, toSeverity); err != nil {
		// 并发确认会让条件 UPDATE 落空，属正常竞态
		s.logger.Warn("Escalation skipped",
			zap.String("instance_id", instance.InstanceID),
			zap.Error(err))
		return false
	}

	if s.notifier != nil && len(rules.NotifyRoles) > 0 {
		updated := *instance
		updated.Severity = toSeverity
		updated.Escalated = true
		updated.EscalatedAt = &now
		if err := s.notifier.NotifyRoles(ctx, tenantID, &updated, rules.NotifyRoles); err != nil {
			// 通知尽力而为，失败不回滚升级
			s.logger.Warn("Escalation notification failed",
				zap.String("instance_id", instance.InstanceID),
				zap.Strings("roles", rules.NotifyRoles),
				zap.Error(err))
		}
	}

	return true
}

// nextSeverity 返回相邻上一级级别，critical 封顶
func nextSeverity(s models.Severity) models.Severity {
	switch s {
	case models.SeverityInfo:
		return models.SeverityReview
	case models.SeverityReview:
		return models.SeverityHigh
	case models.SeverityHigh:
		return models.SeverityCritical
	default:
		return s
	}
}
