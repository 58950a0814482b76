package models

import (
	"time"
)

// AlertInstance 报警实例（对应 alert_instances 表）
// 一条实例对应一个 (规则, 患者, 医生) 三元组的一次触发
// suppressed=false 且 acknowledged_at 为空时计入未处理报警总数
type AlertInstance struct {
	InstanceID           string                `json:"instance_id" db:"instance_id"`
	TenantID             string                `json:"tenant_id" db:"tenant_id"`
	AlertID              string                `json:"alert_id" db:"alert_id"`
	RuleID               string                `json:"rule_id" db:"rule_id"`
	VersionID            string                `json:"version_id" db:"version_id"`
	PatientID            string                `json:"patient_id" db:"patient_id"`
	DoctorID             string                `json:"doctor_id" db:"doctor_id"`
	Severity             Severity              `json:"severity" db:"severity"` // 触发时刻的级别
	Rationale            string                `json:"rationale" db:"rationale"`
	SupportingDatapoints []SupportingDatapoint `json:"supporting_datapoints" db:"supporting_datapoints"` // JSONB
	SuggestedActions     []string              `json:"suggested_actions" db:"suggested_actions"`         // JSONB
	Visibility           string                `json:"visibility" db:"visibility"`
	FiredAt              time.Time             `json:"fired_at" db:"fired_at"`
	AcknowledgedAt       *time.Time            `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	AcknowledgedBy       *string               `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgedNote     *string               `json:"acknowledged_note,omitempty" db:"acknowledged_note"`
	Suppressed           bool                  `json:"suppressed" db:"suppressed"`
	SuppressionReason    *string               `json:"suppression_reason,omitempty" db:"suppression_reason"`
	Escalated            bool                  `json:"escalated" db:"escalated"`
	EscalatedAt          *time.Time            `json:"escalated_at,omitempty" db:"escalated_at"`
	CooldownExpiry       time.Time             `json:"cooldown_expiry" db:"cooldown_expiry"`
	CreatedAt            time.Time             `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time             `json:"updated_at" db:"updated_at"`
}

// SupportingDatapoint 支撑数据点（触发时刻的证据快照）
type SupportingDatapoint struct {
	Name       string    `json:"name"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// IsOpen 是否计入未处理报警（未抑制且未确认）
func (a *AlertInstance) IsOpen() bool {
	return !a.Suppressed && a.AcknowledgedAt == nil
}

// 审计动作
const (
	AuditActionFired        = "fired"
	AuditActionAcknowledged = "acknowledged"
	AuditActionSuppressed   = "suppressed"
	AuditActionEscalated    = "escalated"
	AuditActionDismissed    = "dismissed"
	AuditActionModified     = "modified"
	AuditActionCreated      = "created"
	AuditActionDisabled     = "disabled"
)

// AlertAuditEntry 报警审计日志（对应 alert_audit_log 表，append-only）
// 每次状态迁移写一条，展示时按 created_at 倒序
type AlertAuditEntry struct {
	AuditID    string    `json:"audit_id" db:"audit_id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	InstanceID string    `json:"alert_instance_id" db:"instance_id"`
	Action     string    `json:"action" db:"action"`
	ActorID    string    `json:"actor_id" db:"actor_id"`
	ActorRole  string    `json:"actor_role" db:"actor_role"`
	Details    string    `json:"details" db:"details"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
