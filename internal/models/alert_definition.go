package models

import (
	"time"
)

// AlertDefinition 报警规则定义（对应 alert_definitions 表）
// rule_id 是稳定业务键，创建后不可变；可执行内容存放在 RuleVersion 中
type AlertDefinition struct {
	AlertID           string     `json:"alert_id" db:"alert_id"`
	TenantID          string     `json:"tenant_id" db:"tenant_id"`
	RuleID            string     `json:"rule_id" db:"rule_id"`
	Name              string     `json:"name" db:"name"`
	Category          string     `json:"category" db:"category"` // renal, electrolyte, fluid, adherence, ops
	Severity          Severity   `json:"severity" db:"severity"`
	Enabled           bool       `json:"enabled" db:"enabled"`
	Visibility        string     `json:"visibility" db:"visibility"` // clinician, patient, both
	RationaleTemplate string     `json:"rationale_template" db:"rationale_template"`
	SuggestedActions  []string   `json:"suggested_actions" db:"suggested_actions"` // JSONB
	PatientSafeCopy   string     `json:"patient_safe_copy" db:"patient_safe_copy"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// 规则分类
const (
	CategoryRenal       = "renal"
	CategoryElectrolyte = "electrolyte"
	CategoryFluid       = "fluid"
	CategoryAdherence   = "adherence"
	CategoryOps         = "ops"
)

// 可见范围
const (
	VisibilityClinician = "clinician"
	VisibilityPatient   = "patient"
	VisibilityBoth      = "both"
)

// ValidCategory 是否为合法分类
func ValidCategory(category string) bool {
	switch category {
	case CategoryRenal, CategoryElectrolyte, CategoryFluid, CategoryAdherence, CategoryOps:
		return true
	}
	return false
}

// ValidVisibility 是否为合法可见范围
func ValidVisibility(visibility string) bool {
	switch visibility {
	case VisibilityClinician, VisibilityPatient, VisibilityBoth:
		return true
	}
	return false
}
