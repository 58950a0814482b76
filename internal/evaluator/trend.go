package evaluator

import (
	"math"
	"time"

	"renalwatch-cds/internal/models"
)

// evaluateTrend trend 语义：对时间窗口内的序列做线性斜率估计，与期望方向/速率比对
// 窗口内数据点不足 min_datapoints 时判为未触发（不是错误）
func (e *Evaluator) evaluateTrend(tc *models.TriggerConditions, signals *models.PatientSignalSet, now time.Time) EvaluationResult {
	spec := tc.Trend
	signalName := tc.Parameters[0].Name

	since := now.AddDate(0, 0, -spec.TimeWindowDays)
	window := signals.Within(signalName, since)

	minPoints := spec.MinDatapoints
	if minPoints < 2 {
		minPoints = 2
	}
	if len(window) < minPoints {
		return EvaluationResult{Diagnostic: "insufficient datapoints in trend window"}
	}

	slope := slopePerDay(window)

	var matched bool
	switch spec.Direction {
	case models.TrendIncreasing:
		matched = slope > 0 && math.Abs(slope) >= spec.Rate
	case models.TrendDecreasing:
		matched = slope < 0 && math.Abs(slope) >= spec.Rate
	case models.TrendStable:
		// rate 在 stable 方向上作为容差
		matched = math.Abs(slope) <= spec.Rate
	case models.TrendVolatile:
		// 相邻读数的日均波动超过 rate 视为波动
		matched = meanAbsDailyDelta(window) >= spec.Rate
	}

	if !matched {
		return EvaluationResult{}
	}

	// 支撑数据点：窗口首尾两个读数
	first, last := window[0], window[len(window)-1]
	unit := tc.Parameters[0].Unit
	datapoints := []models.SupportingDatapoint{
		{Name: signalName, Value: first.Value, Unit: unit, RecordedAt: first.Timestamp},
		{Name: signalName, Value: last.Value, Unit: unit, RecordedAt: last.Timestamp},
	}

	return EvaluationResult{Triggered: true, SupportingDatapoints: datapoints}
}

// slopePerDay 最小二乘斜率（单位：值/天）
func slopePerDay(points []models.SignalPoint) float64 {
	n := float64(len(points))
	base := points[0].Timestamp

	var sumX, sumY, sumXY, sumXX float64
	for _, p := range points {
		x := p.Timestamp.Sub(base).Hours() / 24.0
		y := p.Value
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// meanAbsDailyDelta 相邻读数的平均日变化幅度
func meanAbsDailyDelta(points []models.SignalPoint) float64 {
	if len(points) < 2 {
		return 0
	}

	var total float64
	var count int
	for i := 1; i < len(points); i++ {
		days := points[i].Timestamp.Sub(points[i-1].Timestamp).Hours() / 24.0
		if days <= 0 {
			// 同日多次读数按小时粒度计
			days = 1.0 / 24.0
		}
		total += math.Abs(points[i].Value-points[i-1].Value) / days
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}
