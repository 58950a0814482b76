package models

import (
	"time"
)

// ActionState 快照聚合结论（三态）
type ActionState string

const (
	ActionNone      ActionState = "no-action"
	ActionReview    ActionState = "review"
	ActionImmediate ActionState = "immediate"
)

// RiskTier 总体风险分层
type RiskTier string

const (
	RiskStable   RiskTier = "Stable"
	RiskWatch    RiskTier = "Watch"
	RiskHighRisk RiskTier = "High-risk"
)

// TrendArrow 趋势箭头
type TrendArrow string

const (
	ArrowUp     TrendArrow = "up"
	ArrowDown   TrendArrow = "down"
	ArrowFlat   TrendArrow = "flat"
	ArrowNoData TrendArrow = "none"
)

// 监测值趋势状态
const (
	TrendStatusAttention = "Needs attention"
	TrendStatusExpected  = "Within expected range"
	TrendStatusNoData    = "No data"
)

// Medication 用药记录（只读外部数据）
type Medication struct {
	Name      string     `json:"name"`
	Dosage    string     `json:"dosage,omitempty"`
	Active    bool       `json:"active"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// InboundMessage 患者入站消息（只读外部数据）
type InboundMessage struct {
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
	IsUrgent  bool      `json:"is_urgent"`
	IsRead    bool      `json:"is_read"`
	Preview   string    `json:"preview,omitempty"`
}

// LabOrder 实验室检查安排（只读外部数据）
type LabOrder struct {
	TestName  string     `json:"test_name"`
	DueAt     time.Time  `json:"due_at"`
	Collected *time.Time `json:"collected,omitempty"`
}

// CaseDetails 病例概要（只读外部数据）
type CaseDetails struct {
	CKDStage  string `json:"ckd_stage,omitempty"`
	Diagnosis string `json:"diagnosis,omitempty"`
}

// VitalsReading 门诊生命体征（只读外部数据）
type VitalsReading struct {
	SystolicBP *int      `json:"systolic_bp,omitempty"`
	WeightKg   *float64  `json:"weight_kg,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// SnapshotInput 快照聚合输入（全部为只读信号）
type SnapshotInput struct {
	PatientID      string           `json:"patient_id"`
	Signals        *PatientSignalSet `json:"signals"`
	OpenAlerts     []AlertInstance  `json:"open_alerts"` // 未抑制且未确认的实例
	Medications    []Medication     `json:"medications"`
	Messages       []InboundMessage `json:"messages"`
	LabOrders      []LabOrder       `json:"lab_orders"`
	Case           *CaseDetails     `json:"case,omitempty"`
	Vitals         []VitalsReading  `json:"vitals,omitempty"`
	LastReviewedAt *time.Time       `json:"last_reviewed_at,omitempty"`
	Now            time.Time        `json:"now"`
}

// MetricTrend 单个监测值的趋势分类
type MetricTrend struct {
	Metric        string     `json:"metric"`
	Arrow         TrendArrow `json:"arrow"`
	Status        string     `json:"status"` // Needs attention / Within expected range / No data
	TimeReference string     `json:"time_reference"`
	LatestValue   *float64   `json:"latest_value,omitempty"`
	Unit          string     `json:"unit,omitempty"`
}

// SnapshotResult 快照聚合结果（每次调用重新计算，仅缓存用于展示）
type SnapshotResult struct {
	PatientID       string        `json:"patient_id"`
	ActionState     ActionState   `json:"action_state"`
	Reason          string        `json:"reason"`
	NextAction      string        `json:"next_action,omitempty"`
	RiskTier        RiskTier      `json:"risk_tier"`
	Trends          []MetricTrend `json:"trends"`
	RiskMedications []string      `json:"risk_medications,omitempty"`
	PendingLabs     []string      `json:"pending_labs,omitempty"`
	UrgentMessages  int           `json:"urgent_messages"`
	OpenAlertCount  int           `json:"open_alert_count"`
	ComputedAt      time.Time     `json:"computed_at"`
}
