package evaluator

import (
	"fmt"
	"strings"
	"time"

	"renalwatch-cds/internal/models"

	"go.uber.org/zap"
)

// EvaluationResult 单次触发求值结果
// 规则内容非法时 Triggered=false 且 Diagnostic 携带诊断信息（fail-closed）
type EvaluationResult struct {
	Triggered            bool                         `json:"triggered"`
	Rationale            string                       `json:"rationale"`
	SupportingDatapoints []models.SupportingDatapoint `json:"supporting_datapoints"`
	Diagnostic           string                       `json:"diagnostic,omitempty"`
}

// Evaluator 触发条件求值器
// 纯计算，无 I/O：外部数据在求值前装配进 PatientSignalSet
type Evaluator struct {
	logger *zap.Logger
}

// NewEvaluator 创建求值器
func NewEvaluator(logger *zap.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// Evaluate 对一个激活版本和患者信号集求值
// 不向调用方返回 error：非法规则判为未触发并给出诊断，单条坏规则不中断批量求值
func (e *Evaluator) Evaluate(def *models.AlertDefinition, version *models.RuleVersion, signals *models.PatientSignalSet, now time.Time) EvaluationResult {
	if version == nil || signals == nil {
		return EvaluationResult{Diagnostic: "nil version or signal set"}
	}

	tc := &version.TriggerConditions
	if err := tc.Validate(); err != nil {
		e.logger.Warn("Malformed trigger conditions, failing closed",
			zap.String("alert_id", version.AlertID),
			zap.Int("version", version.Version),
			zap.Error(err),
		)
		return EvaluationResult{Diagnostic: fmt.Sprintf("malformed rule: %v", err)}
	}

	var result EvaluationResult
	switch tc.Type {
	case models.TriggerThreshold, models.TriggerAbsence, models.TriggerBehavioral:
		// absence/behavioral 在派生信号上按 threshold 语义求值
		result = e.evaluateThreshold(tc, signals, now)
	case models.TriggerTrend, models.TriggerPredictive:
		// predictive 在派生信号上按 trend 语义求值
		result = e.evaluateTrend(tc, signals, now)
	case models.TriggerPersistence:
		result = e.evaluatePersistence(tc, signals, now)
	case models.TriggerComposite:
		result = e.evaluateComposite(tc, signals, now)
	default:
		// Validate 已兜底，此处仅防御未来新增类型
		return EvaluationResult{Diagnostic: fmt.Sprintf("unhandled trigger type: %s", tc.Type)}
	}

	if result.Triggered {
		result.Rationale = buildRationale(def, result.SupportingDatapoints)
	}

	return result
}

// buildRationale 填充规则定义的说明模板
// 模板中的 {signal_name} 占位符替换为支撑数据点的值；无模板时生成简要摘要
func buildRationale(def *models.AlertDefinition, datapoints []models.SupportingDatapoint) string {
	if def == nil || def.RationaleTemplate == "" {
		parts := make([]string, 0, len(datapoints))
		for _, dp := range datapoints {
			parts = append(parts, formatDatapoint(dp))
		}
		return strings.Join(parts, "; ")
	}

	rationale := def.RationaleTemplate
	for _, dp := range datapoints {
		placeholder := "{" + dp.Name + "}"
		rationale = strings.ReplaceAll(rationale, placeholder, formatValue(dp.Value, dp.Unit))
	}
	return rationale
}

func formatDatapoint(dp models.SupportingDatapoint) string {
	return fmt.Sprintf("%s %s", dp.Name, formatValue(dp.Value, dp.Unit))
}

func formatValue(value float64, unit string) string {
	s := fmt.Sprintf("%.2f", value)
	// 去掉无意义的小数尾零
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	if unit != "" {
		return s + " " + unit
	}
	return s
}
