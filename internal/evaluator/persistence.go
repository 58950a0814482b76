package evaluator

import (
	"fmt"
	"time"

	"renalwatch-cds/internal/models"
)

// evaluatePersistence persistence 语义：基准参数（参数列表首项）需满足
// N 次连续读数，或从某读数起持续满足 duration_days；任一不满足的读数重置连续计数
func (e *Evaluator) evaluatePersistence(tc *models.TriggerConditions, signals *models.PatientSignalSet, now time.Time) EvaluationResult {
	base := tc.Parameters[0]
	series := signals.Series(base.Name)
	if len(series) == 0 {
		return EvaluationResult{Diagnostic: fmt.Sprintf("no datapoints for %s", describeParameter(base))}
	}

	// 计算末尾连续满足段（遇到不满足的读数即截断）
	streak := trailingStreak(base, series)
	if len(streak) == 0 {
		return EvaluationResult{}
	}

	spec := tc.Persistence

	if spec.ConsecutiveReadings != nil {
		if len(streak) < *spec.ConsecutiveReadings {
			return EvaluationResult{}
		}
		return EvaluationResult{
			Triggered:            true,
			SupportingDatapoints: streakDatapoints(base, streak, *spec.ConsecutiveReadings),
		}
	}

	// duration_days：末尾连续满足段必须覆盖整个时长窗口
	durationStart := now.AddDate(0, 0, -*spec.DurationDays)
	if streak[0].Timestamp.After(durationStart) {
		return EvaluationResult{}
	}
	return EvaluationResult{
		Triggered:            true,
		SupportingDatapoints: streakDatapoints(base, streak, len(streak)),
	}
}

// trailingStreak 序列末尾的连续满足段（升序）
func trailingStreak(param models.TriggerParameter, series []models.SignalPoint) []models.SignalPoint {
	start := len(series)
	for i := len(series) - 1; i >= 0; i-- {
		if !compare(param.Operator, series[i].Value, param.Value) {
			break
		}
		start = i
	}
	return series[start:]
}

// streakDatapoints 连续段的最后 n 个读数作为支撑数据点
func streakDatapoints(param models.TriggerParameter, streak []models.SignalPoint, n int) []models.SupportingDatapoint {
	if n > len(streak) {
		n = len(streak)
	}
	tail := streak[len(streak)-n:]
	datapoints := make([]models.SupportingDatapoint, 0, len(tail))
	for _, p := range tail {
		datapoints = append(datapoints, toDatapoint(param, p))
	}
	return datapoints
}
