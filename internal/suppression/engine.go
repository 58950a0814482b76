package suppression

import (
	"time"

	"renalwatch-cds/internal/evaluator"
	"renalwatch-cds/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Action 抑制引擎决策动作
type Action string

const (
	ActionCreate Action = "create" // 创建新实例
	ActionUpdate Action = "update" // 在已有实例上提升级别
	ActionIgnore Action = "ignore" // 静默折叠（正常降噪，不是错误）
)

// Decision 抑制引擎决策
type Decision struct {
	Action           Action
	Payload          *models.AlertInstance // Action=create 时的新实例
	UpdateInstanceID string                // Action=update 时的目标实例
	NewSeverity      models.Severity       // Action=update 时提升后的级别
	Reason           string                // ignore 时的折叠原因（仅用于日志）
}

// DefaultSuppressionRules 版本未配置抑制规则时的默认值
var DefaultSuppressionRules = models.SuppressionRules{
	CooldownHours:          24,
	DeduplicateWindowHours: 24,
}

// Engine 抑制与去重引擎
// 纯决策：对给定的触发结果和 (规则, 患者) 的未决实例历史，
// 决定创建新实例、提升已有实例还是静默折叠
type Engine struct {
	logger *zap.Logger
}

// NewEngine 创建抑制引擎
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger}
}

// Process 处理一次触发求值结果
// history 为同 (规则, 患者) 的现存未抑制实例（按 fired_at 倒序，最新在前）
func (e *Engine) Process(
	def *models.AlertDefinition,
	version *models.RuleVersion,
	result evaluator.EvaluationResult,
	history []models.AlertInstance,
	patientID, doctorID string,
	now time.Time,
) Decision {
	if !result.Triggered {
		return Decision{Action: ActionIgnore, Reason: "not triggered"}
	}

	rules := DefaultSuppressionRules
	if version.Suppression != nil {
		rules = *version.Suppression
	}

	// 去重窗口内的最近未抑制实例
	existing := recentInstance(history, rules.DeduplicateWindowHours, now)
	if existing == nil {
		return Decision{
			Action:  ActionCreate,
			Payload: e.buildInstance(def, version, result, patientID, doctorID, rules, now),
		}
	}

	severityIncreased := version.Severity.Rank() > existing.Severity.Rank()
	cooldownPassed := !now.Before(existing.CooldownExpiry)
	acknowledged := existing.AcknowledgedAt != nil

	if !cooldownPassed {
		// 冷却期内：仅当级别上升且允许 refire 时提升已有实例
		if severityIncreased && rules.RefireOnSeverityIncrease {
			if rules.SuppressIfAcknowledged && acknowledged {
				// 已确认的实例在冷却期内阻断 refire，即使级别上升
				return Decision{Action: ActionIgnore, Reason: "acknowledged instance within cooldown"}
			}
			return Decision{
				Action:           ActionUpdate,
				UpdateInstanceID: existing.InstanceID,
				NewSeverity:      version.Severity,
			}
		}
		return Decision{Action: ActionIgnore, Reason: "within cooldown"}
	}

	// 冷却期已过：允许 refire
	if severityIncreased && rules.RefireOnSeverityIncrease {
		return Decision{
			Action:           ActionUpdate,
			UpdateInstanceID: existing.InstanceID,
			NewSeverity:      version.Severity,
		}
	}

	return Decision{
		Action:  ActionCreate,
		Payload: e.buildInstance(def, version, result, patientID, doctorID, rules, now),
	}
}

// recentInstance 去重窗口内最近的未抑制实例
func recentInstance(history []models.AlertInstance, windowHours int, now time.Time) *models.AlertInstance {
	cutoff := now.Add(-time.Duration(windowHours) * time.Hour)
	for i := range history {
		inst := &history[i]
		if inst.Suppressed {
			continue
		}
		if inst.FiredAt.After(cutoff) {
			return inst
		}
	}
	return nil
}

// buildInstance 构建新报警实例载荷
func (e *Engine) buildInstance(
	def *models.AlertDefinition,
	version *models.RuleVersion,
	result evaluator.EvaluationResult,
	patientID, doctorID string,
	rules models.SuppressionRules,
	now time.Time,
) *models.AlertInstance {
	return &models.AlertInstance{
		InstanceID:           uuid.New().String(),
		TenantID:             def.TenantID,
		AlertID:              def.AlertID,
		RuleID:               def.RuleID,
		VersionID:            version.VersionID,
		PatientID:            patientID,
		DoctorID:             doctorID,
		Severity:             version.Severity,
		Rationale:            result.Rationale,
		SupportingDatapoints: result.SupportingDatapoints,
		SuggestedActions:     def.SuggestedActions,
		Visibility:           def.Visibility,
		FiredAt:              now,
		CooldownExpiry:       now.Add(time.Duration(rules.CooldownHours) * time.Hour),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}
