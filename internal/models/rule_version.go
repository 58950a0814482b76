package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RuleVersion 规则版本（对应 alert_rule_versions 表）
// 版本内容创建后不可变，仅审批/激活/废弃元数据字段允许更新
type RuleVersion struct {
	VersionID         string            `json:"version_id" db:"version_id"`
	TenantID          string            `json:"tenant_id" db:"tenant_id"`
	AlertID           string            `json:"alert_id" db:"alert_id"`
	Version           int               `json:"version" db:"version"` // 单调递增，从 1 开始
	TriggerConditions TriggerConditions `json:"trigger_conditions" db:"trigger_conditions"` // JSONB
	Suppression       *SuppressionRules `json:"suppression,omitempty" db:"suppression"`     // JSONB
	Escalation        *EscalationRules  `json:"escalation,omitempty" db:"escalation"`       // JSONB
	Severity          Severity          `json:"severity" db:"severity"`
	Enabled           bool              `json:"enabled" db:"enabled"`
	EffectiveFrom     *time.Time        `json:"effective_from,omitempty" db:"effective_from"`
	EffectiveTo       *time.Time        `json:"effective_to,omitempty" db:"effective_to"`
	DisplayPriority   int               `json:"display_priority" db:"display_priority"`
	CreatedBy         string            `json:"created_by" db:"created_by"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	ApprovedBy        *string           `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt        *time.Time        `json:"approved_at,omitempty" db:"approved_at"`
	ChangeReason      string            `json:"change_reason" db:"change_reason"`
	Deprecated        bool              `json:"deprecated" db:"deprecated"`
	DeprecatedBy      *string           `json:"deprecated_by,omitempty" db:"deprecated_by"`
	DeprecatedAt      *time.Time        `json:"deprecated_at,omitempty" db:"deprecated_at"`
}

// TriggerType 触发条件类型
type TriggerType string

const (
	TriggerThreshold   TriggerType = "threshold"
	TriggerTrend       TriggerType = "trend"
	TriggerComposite   TriggerType = "composite"
	TriggerPersistence TriggerType = "persistence"
	TriggerAbsence     TriggerType = "absence"
	TriggerBehavioral  TriggerType = "behavioral"
	TriggerPredictive  TriggerType = "predictive"
)

// Operator 参数比较操作符
type Operator string

const (
	OpGT          Operator = "gt"
	OpGTE         Operator = "gte"
	OpLT          Operator = "lt"
	OpLTE         Operator = "lte"
	OpEQ          Operator = "eq"
	OpNE          Operator = "ne"
	OpBetween     Operator = "between"
	OpNotBetween  Operator = "not_between"
	OpMissingDays Operator = "missing_days"
)

// ValidOperator 是否为合法操作符
func ValidOperator(op Operator) bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNE, OpBetween, OpNotBetween, OpMissingDays:
		return true
	}
	return false
}

// ParamValue 参数值：单值写作标量，between/not_between 写作两元素数组
// 反序列化时两种写法都接受，内部统一为切片
type ParamValue []float64

// UnmarshalJSON 兼容标量和数组两种 JSON 写法
func (v *ParamValue) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err == nil {
		*v = arr
		return nil
	}
	var single float64
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("invalid parameter value: %s", string(data))
	}
	*v = []float64{single}
	return nil
}

// MarshalJSON 单值序列化为标量，保持规则 JSON 可读
func (v ParamValue) MarshalJSON() ([]byte, error) {
	if len(v) == 1 {
		return json.Marshal(v[0])
	}
	return json.Marshal([]float64(v))
}

// TriggerParameter 单个触发参数
type TriggerParameter struct {
	Name     string     `json:"name"`
	Operator Operator   `json:"operator"`
	Value    ParamValue `json:"value"`
	Unit     string     `json:"unit,omitempty"` // 仅用于展示，不做单位换算
}

// TrendDirection 趋势方向
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
	TrendVolatile   TrendDirection = "volatile"
)

// TrendSpec trend 类型的专属子结构
type TrendSpec struct {
	Direction      TrendDirection `json:"direction"`
	Rate           float64        `json:"rate"` // 每天的最小变化幅度（绝对值）
	TimeWindowDays int            `json:"time_window_days"`
	MinDatapoints  int            `json:"min_datapoints"`
}

// PersistenceSpec persistence 类型的专属子结构
// DurationDays 和 ConsecutiveReadings 至少提供其一
type PersistenceSpec struct {
	DurationDays        *int `json:"duration_days,omitempty"`
	ConsecutiveReadings *int `json:"consecutive_readings,omitempty"`
}

// CompositeLogic composite 类型的组合逻辑
type CompositeLogic string

const (
	CompositeAND CompositeLogic = "AND"
	CompositeOR  CompositeLogic = "OR"
)

// TriggerConditions 触发条件（按 type 区分的标签联合）
// 每种类型只携带自己的子结构，求值器按类型做一次完整分派
type TriggerConditions struct {
	Type           TriggerType        `json:"type"`
	Parameters     []TriggerParameter `json:"parameters"`
	Trend          *TrendSpec         `json:"trend,omitempty"`
	Persistence    *PersistenceSpec   `json:"persistence,omitempty"`
	CompositeLogic CompositeLogic     `json:"composite_logic,omitempty"`
}

// Validate 校验触发条件结构完整性
// 求值器对校验失败的规则 fail-closed（判为未触发并给出诊断）
func (tc *TriggerConditions) Validate() error {
	switch tc.Type {
	case TriggerThreshold, TriggerAbsence, TriggerBehavioral:
		// 仅需参数列表
	case TriggerTrend, TriggerPredictive:
		if tc.Trend == nil {
			return fmt.Errorf("trigger type %q requires a trend sub-structure", tc.Type)
		}
		switch tc.Trend.Direction {
		case TrendIncreasing, TrendDecreasing, TrendStable, TrendVolatile:
		default:
			return fmt.Errorf("unknown trend direction: %q", tc.Trend.Direction)
		}
		if tc.Trend.TimeWindowDays <= 0 {
			return fmt.Errorf("trend time_window_days must be positive")
		}
	case TriggerPersistence:
		if tc.Persistence == nil {
			return fmt.Errorf("trigger type persistence requires a persistence sub-structure")
		}
		if tc.Persistence.DurationDays == nil && tc.Persistence.ConsecutiveReadings == nil {
			return fmt.Errorf("persistence requires duration_days or consecutive_readings")
		}
	case TriggerComposite:
		if tc.CompositeLogic != CompositeAND && tc.CompositeLogic != CompositeOR {
			return fmt.Errorf("composite requires composite_logic AND or OR")
		}
	default:
		return fmt.Errorf("unknown trigger type: %q", tc.Type)
	}

	if len(tc.Parameters) == 0 {
		return fmt.Errorf("trigger type %q requires at least one parameter", tc.Type)
	}

	// trend/predictive 的参数只携带信号名，不参与算子比较
	trendLike := tc.Type == TriggerTrend || tc.Type == TriggerPredictive

	for i, p := range tc.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter %d: name is required", i)
		}
		if trendLike {
			continue
		}
		if !ValidOperator(p.Operator) {
			return fmt.Errorf("parameter %d: unknown operator %q", i, p.Operator)
		}
		switch p.Operator {
		case OpBetween, OpNotBetween:
			if len(p.Value) != 2 {
				return fmt.Errorf("parameter %d: operator %q requires a two-element value", i, p.Operator)
			}
		default:
			if len(p.Value) != 1 {
				return fmt.Errorf("parameter %d: operator %q requires a single value", i, p.Operator)
			}
		}
	}

	return nil
}

// SuppressionRules 抑制规则
// 决定新触发折叠进已有实例还是创建新实例
type SuppressionRules struct {
	CooldownHours            int  `json:"cooldown_hours"`
	DeduplicateWindowHours   int  `json:"deduplicate_window_hours"`
	SuppressIfAcknowledged   bool `json:"suppress_if_acknowledged,omitempty"`
	RefireOnSeverityIncrease bool `json:"refire_on_severity_increase,omitempty"`
}

// EscalationRules 升级规则（可选）
type EscalationRules struct {
	EscalateAfterHours  int      `json:"escalate_after_hours"`
	EscalateToSeverity  Severity `json:"escalate_to_severity"`
	NotifyRoles         []string `json:"notify_roles"`
}
