// Package snapshot 患者快照聚合
// CalculateSnapshot 为纯函数：每次调用从信号重新计算，不写任何状态；
// 确认快照只记录复核时间，不改变下次计算结论
package snapshot

import (
	"fmt"
	"time"

	"renalwatch-cds/internal/models"
)

// CalculateSnapshot 将原始信号聚合为单一可执行结论
func CalculateSnapshot(input *models.SnapshotInput) *models.SnapshotResult {
	now := input.Now
	if now.IsZero() {
		now = time.Now()
	}

	trends := classifyTrends(input.Signals, now)
	riskMeds := flagRiskMedications(input.Medications)
	pendingLabs := flagPendingLabs(input.LabOrders, now)
	urgentUnread := countUrgentUnread(input.Messages)

	result := &models.SnapshotResult{
		PatientID:       input.PatientID,
		Trends:          trends,
		RiskMedications: riskMeds,
		PendingLabs:     pendingLabs,
		UrgentMessages:  urgentUnread,
		OpenAlertCount:  len(input.OpenAlerts),
		ComputedAt:      now,
	}

	result.RiskTier = classifyRiskTier(input.OpenAlerts, trends)
	result.ActionState, result.Reason, result.NextAction = decideActionState(input.OpenAlerts, trends, pendingLabs, urgentUnread)

	return result
}

// classifyRiskTier 由未决报警级别与 eGFR/钾趋势方向定风险分层
func classifyRiskTier(openAlerts []models.AlertInstance, trends []models.MetricTrend) models.RiskTier {
	for _, alert := range openAlerts {
		if alert.Severity.Rank() >= models.SeverityHigh.Rank() {
			return models.RiskHighRisk
		}
	}

	adverseKeyTrend := false
	for _, t := range trends {
		if t.Metric != models.SignalEGFR && t.Metric != models.SignalPotassium {
			continue
		}
		if t.Status == models.TrendStatusAttention {
			adverseKeyTrend = true
		}
	}

	if adverseKeyTrend && len(openAlerts) > 0 {
		return models.RiskHighRisk
	}
	if adverseKeyTrend || len(openAlerts) > 0 {
		return models.RiskWatch
	}
	return models.RiskStable
}

// decideActionState 三态裁决
// immediate：存在未读紧急消息，或 high/critical 未决报警
// review：存在恶化趋势、待采集检查、或 review 级未决报警
// no-action：其余情况
func decideActionState(
	openAlerts []models.AlertInstance,
	trends []models.MetricTrend,
	pendingLabs []string,
	urgentUnread int,
) (models.ActionState, string, string) {
	if urgentUnread > 0 {
		return models.ActionImmediate,
			fmt.Sprintf("%d urgent unread patient message(s)", urgentUnread),
			"Read and respond to the urgent patient message"
	}
	for _, alert := range openAlerts {
		if alert.Severity.Rank() >= models.SeverityHigh.Rank() {
			return models.ActionImmediate,
				fmt.Sprintf("unresolved %s alert: %s", alert.Severity.DisplayLevel(), alert.Rationale),
				"Review the unresolved alert and contact the patient"
		}
	}

	for _, t := range trends {
		if t.Status == models.TrendStatusAttention {
			return models.ActionReview,
				fmt.Sprintf("%s trend needs attention (%s)", t.Metric, t.TimeReference),
				fmt.Sprintf("Review the %s trend", t.Metric)
		}
	}
	if len(pendingLabs) > 0 {
		return models.ActionReview,
			fmt.Sprintf("pending lab(s): %v", pendingLabs),
			"Follow up on the pending lab order"
	}
	for _, alert := range openAlerts {
		if alert.Severity == models.SeverityReview {
			return models.ActionReview,
				fmt.Sprintf("unacknowledged review alert: %s", alert.Rationale),
				"Acknowledge or dismiss the open alert"
		}
	}

	return models.ActionNone, "no actionable findings", ""
}
