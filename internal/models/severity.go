package models

// Severity 规则/报警严重级别（统一词汇表）
// 审批门控作用于 high/critical；展示层词汇（INFO/REVIEW/URGENT）为纯映射，不单独存储
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityReview   Severity = "review"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid 是否为合法级别
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityReview, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// RequiresApproval 该级别的规则版本变更是否需要人工审批
func (s Severity) RequiresApproval() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// DisplayLevel 展示层级别（INFO/REVIEW/URGENT）
func (s Severity) DisplayLevel() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityReview:
		return "REVIEW"
	case SeverityHigh, SeverityCritical:
		return "URGENT"
	default:
		return "INFO"
	}
}

// Rank 级别排序值（用于升级比较，数值越大越严重）
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityReview:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}
