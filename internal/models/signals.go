package models

import (
	"sort"
	"time"
)

// SignalPoint 信号数据点
type SignalPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// PatientSignalSet 患者信号集合（按信号名索引的时间序列）
// 求值前由外部数据源一次性装配，求值过程本身无 I/O
type PatientSignalSet struct {
	PatientID string                   `json:"patient_id"`
	Signals   map[string][]SignalPoint `json:"signals"`
	LoadedAt  time.Time                `json:"loaded_at"`
}

// 常用信号名（与实验室/行为数据源约定一致）
const (
	SignalCreatinine     = "creatinine"
	SignalEGFR           = "egfr"
	SignalPotassium      = "potassium"
	SignalSodium         = "sodium"
	SignalWeight         = "weight"
	SignalSystolicBP     = "systolic_bp"
	SignalAdherenceRatio = "adherence_ratio"
	SignalDaysSinceLab   = "days_since_lab"
	SignalDaysSinceMsg   = "days_since_message"
)

// Series 获取指定信号的时间序列（按时间升序）
// 信号不存在时返回 nil
func (s *PatientSignalSet) Series(name string) []SignalPoint {
	points := s.Signals[name]
	if len(points) == 0 {
		return nil
	}
	sorted := make([]SignalPoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return sorted
}

// Latest 获取指定信号的最新数据点
func (s *PatientSignalSet) Latest(name string) (SignalPoint, bool) {
	series := s.Series(name)
	if len(series) == 0 {
		return SignalPoint{}, false
	}
	return series[len(series)-1], true
}

// Within 获取指定信号在 [since, now] 窗口内的数据点（升序）
func (s *PatientSignalSet) Within(name string, since time.Time) []SignalPoint {
	series := s.Series(name)
	result := make([]SignalPoint, 0, len(series))
	for _, p := range series {
		if !p.Timestamp.Before(since) {
			result = append(result, p)
		}
	}
	return result
}
