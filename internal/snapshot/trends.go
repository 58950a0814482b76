package snapshot

import (
	"fmt"
	"math"
	"strings"
	"time"

	"renalwatch-cds/internal/models"
)

// 趋势分类窗口（天）
const trendWindowDays = 30

// 恶化方向：+1 上升为恶化，-1 下降为恶化
var monitoredMetrics = []struct {
	signal        string
	adverseSign   int
	flatTolerance float64 // 日均变化低于该值视为平稳
	unit          string
}{
	{models.SignalEGFR, -1, 0.15, "mL/min/1.73m2"},
	{models.SignalCreatinine, +1, 0.01, "mg/dL"},
	{models.SignalPotassium, +1, 0.01, "mmol/L"},
	{models.SignalWeight, +1, 0.10, "kg"},
	{models.SignalSystolicBP, +1, 0.50, "mmHg"},
}

// 肾毒性风险用药名单（子串匹配，小写）
var renalRiskMedications = []string{
	"ibuprofen",
	"naproxen",
	"diclofenac",
	"indomethacin",
	"ketorolac",
	"celecoxib",
	"gentamicin",
	"tobramycin",
	"amikacin",
	"vancomycin",
	"iodinated contrast",
	"contrast",
	"tenofovir",
	"cisplatin",
	"lithium",
	"cyclosporine",
	"tacrolimus",
}

// classifyTrends 对每个监测信号做趋势分类
func classifyTrends(signals *models.PatientSignalSet, now time.Time) []models.MetricTrend {
	trends := make([]models.MetricTrend, 0, len(monitoredMetrics))
	for _, m := range monitoredMetrics {
		trends = append(trends, classifyMetric(signals, m.signal, m.adverseSign, m.flatTolerance, m.unit, now))
	}
	return trends
}

func classifyMetric(signals *models.PatientSignalSet, name string, adverseSign int, flatTolerance float64, unit string, now time.Time) models.MetricTrend {
	trend := models.MetricTrend{
		Metric: name,
		Arrow:  models.ArrowNoData,
		Status: models.TrendStatusNoData,
		Unit:   unit,
	}

	if signals == nil {
		return trend
	}

	window := signals.Within(name, now.AddDate(0, 0, -trendWindowDays))
	if len(window) == 0 {
		return trend
	}

	latest := window[len(window)-1]
	trend.LatestValue = &latest.Value
	trend.TimeReference = fmt.Sprintf("last value %s", latest.Timestamp.Format("2006-01-02"))

	if len(window) < 2 {
		// 单点无法判定方向，仅报告最近值
		trend.Arrow = models.ArrowFlat
		trend.Status = models.TrendStatusExpected
		return trend
	}

	slope := dailySlope(window)
	trend.TimeReference = fmt.Sprintf("%s ~ %s",
		window[0].Timestamp.Format("2006-01-02"),
		latest.Timestamp.Format("2006-01-02"))

	switch {
	case math.Abs(slope) < flatTolerance:
		trend.Arrow = models.ArrowFlat
	case slope > 0:
		trend.Arrow = models.ArrowUp
	default:
		trend.Arrow = models.ArrowDown
	}

	adverse := (adverseSign > 0 && trend.Arrow == models.ArrowUp) ||
		(adverseSign < 0 && trend.Arrow == models.ArrowDown)
	if adverse {
		trend.Status = models.TrendStatusAttention
	} else {
		trend.Status = models.TrendStatusExpected
	}

	return trend
}

// dailySlope 最小二乘斜率，单位：值/天
func dailySlope(points []models.SignalPoint) float64 {
	n := float64(len(points))
	base := points[0].Timestamp
	var sumX, sumY, sumXY, sumXX float64
	for _, p := range points {
		x := p.Timestamp.Sub(base).Hours() / 24.0
		sumX += x
		sumY += p.Value
		sumXY += x * p.Value
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// flagRiskMedications 按名单做成员检查，返回命中的在用药品名
func flagRiskMedications(medications []models.Medication) []string {
	flagged := []string{}
	for _, med := range medications {
		if !med.Active {
			continue
		}
		lower := strings.ToLower(med.Name)
		for _, risk := range renalRiskMedications {
			if strings.Contains(lower, risk) {
				flagged = append(flagged, med.Name)
				break
			}
		}
	}
	return flagged
}

// flagPendingLabs 返回已到期未采集的检查名
func flagPendingLabs(orders []models.LabOrder, now time.Time) []string {
	pending := []string{}
	for _, order := range orders {
		if order.Collected == nil && !now.Before(order.DueAt) {
			pending = append(pending, order.TestName)
		}
	}
	return pending
}

// countUrgentUnread 统计未读紧急消息数
func countUrgentUnread(messages []models.InboundMessage) int {
	count := 0
	for _, msg := range messages {
		if msg.IsUrgent && !msg.IsRead {
			count++
		}
	}
	return count
}
