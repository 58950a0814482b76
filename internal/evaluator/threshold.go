package evaluator

import (
	"fmt"
	"time"

	"renalwatch-cds/internal/models"
)

// evaluateThreshold threshold 语义：所有参数对各自信号的最新值逐一通过才触发
func (e *Evaluator) evaluateThreshold(tc *models.TriggerConditions, signals *models.PatientSignalSet, now time.Time) EvaluationResult {
	datapoints := make([]models.SupportingDatapoint, 0, len(tc.Parameters))

	for _, param := range tc.Parameters {
		pass, dp := evalParameter(param, signals, now)
		if dp != nil {
			datapoints = append(datapoints, *dp)
		}
		if !pass {
			return EvaluationResult{SupportingDatapoints: datapoints}
		}
	}

	return EvaluationResult{Triggered: true, SupportingDatapoints: datapoints}
}

// evalParameter 对单个参数求值
// missing_days：信号在 N 天内无数据点时为真；其他操作符作用于最新数据点，无数据时为假
func evalParameter(param models.TriggerParameter, signals *models.PatientSignalSet, now time.Time) (bool, *models.SupportingDatapoint) {
	latest, ok := signals.Latest(param.Name)

	if param.Operator == models.OpMissingDays {
		days := int(param.Value[0])
		cutoff := now.AddDate(0, 0, -days)
		if !ok {
			return true, nil
		}
		dp := toDatapoint(param, latest)
		return latest.Timestamp.Before(cutoff), &dp
	}

	if !ok {
		return false, nil
	}

	dp := toDatapoint(param, latest)
	return compare(param.Operator, latest.Value, param.Value), &dp
}

// compare 应用比较操作符
// between 取闭区间，not_between 取开区间补集
func compare(op models.Operator, value float64, bounds []float64) bool {
	switch op {
	case models.OpGT:
		return value > bounds[0]
	case models.OpGTE:
		return value >= bounds[0]
	case models.OpLT:
		return value < bounds[0]
	case models.OpLTE:
		return value <= bounds[0]
	case models.OpEQ:
		return value == bounds[0]
	case models.OpNE:
		return value != bounds[0]
	case models.OpBetween:
		return value >= bounds[0] && value <= bounds[1]
	case models.OpNotBetween:
		return value < bounds[0] || value > bounds[1]
	default:
		return false
	}
}

func toDatapoint(param models.TriggerParameter, point models.SignalPoint) models.SupportingDatapoint {
	return models.SupportingDatapoint{
		Name:       param.Name,
		Value:      point.Value,
		Unit:       param.Unit,
		RecordedAt: point.Timestamp,
	}
}

// describeParameter 参数的简要描述（用于诊断信息）
func describeParameter(param models.TriggerParameter) string {
	return fmt.Sprintf("%s %s %v", param.Name, param.Operator, []float64(param.Value))
}
