package evaluator

import (
	"time"

	"renalwatch-cds/internal/models"
)

// evaluateComposite composite 语义：参数列表作为独立布尔谓词求值，
// 按 composite_logic 组合（AND 全真，OR 至少一真）
func (e *Evaluator) evaluateComposite(tc *models.TriggerConditions, signals *models.PatientSignalSet, now time.Time) EvaluationResult {
	datapoints := make([]models.SupportingDatapoint, 0, len(tc.Parameters))
	passCount := 0

	for _, param := range tc.Parameters {
		pass, dp := evalParameter(param, signals, now)
		if dp != nil {
			datapoints = append(datapoints, *dp)
		}
		if pass {
			passCount++
		}
	}

	var triggered bool
	switch tc.CompositeLogic {
	case models.CompositeAND:
		triggered = passCount == len(tc.Parameters)
	case models.CompositeOR:
		triggered = passCount > 0
	}

	return EvaluationResult{Triggered: triggered, SupportingDatapoints: datapoints}
}
