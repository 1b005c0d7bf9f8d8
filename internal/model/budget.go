package model

import "time"

// BudgetMetric 预算指标
type BudgetMetric string

const (
	MetricRequests BudgetMetric = "requests"
	MetricTokens   BudgetMetric = "tokens"
)

// AlertLevel 预算告警级别
type AlertLevel string

const (
	AlertNormal   AlertLevel = "normal"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
	AlertExceeded AlertLevel = "exceeded"
)

// LevelFor maps a usage percentage (0-100+) to its alert level.
func LevelFor(percentage float64) AlertLevel {
	switch {
	case percentage >= 100:
		return AlertExceeded
	case percentage >= 90:
		return AlertCritical
	case percentage >= 80:
		return AlertWarning
	default:
		return AlertNormal
	}
}

// ModelLimits 模型每日上限，0 表示不限制
type ModelLimits struct {
	RPD int64 `json:"rpd" yaml:"rpd"`
	TPD int64 `json:"tpd" yaml:"tpd"`
}

// Usage 用量记录
type Usage struct {
	Requests    int64     `json:"requests"`
	Tokens      int64     `json:"tokens"`
	LastUpdated time.Time `json:"last_updated"`
}

// BudgetAlert 预算告警
type BudgetAlert struct {
	ID         int64        `json:"id,omitempty"`
	Model      string       `json:"model"`
	Metric     BudgetMetric `json:"metric"`
	Level      AlertLevel   `json:"level"`
	Current    int64        `json:"current"`
	Limit      int64        `json:"limit"`
	Percentage float64      `json:"percentage"`
	Timestamp  time.Time    `json:"timestamp"`
}

// MetricStatus 单个指标的状态
type MetricStatus struct {
	Current    int64      `json:"current"`
	Limit      int64      `json:"limit"`
	Percentage float64    `json:"percentage"`
	Status     AlertLevel `json:"status"`
}

// ModelBudgetStats 模型预算统计
type ModelBudgetStats struct {
	Requests    MetricStatus `json:"requests"`
	Tokens      MetricStatus `json:"tokens"`
	LastUpdated time.Time    `json:"last_updated"`
}

// BudgetStats 预算统计快照
type BudgetStats struct {
	Date   string                      `json:"date"`
	Models map[string]ModelBudgetStats `json:"models"`
	Keys   map[string]Usage            `json:"keys"` // 按密钥 ID
	Alerts []BudgetAlert               `json:"alerts"`
}

// Remaining 剩余额度，-1 表示不限制
type Remaining struct {
	Requests int64 `json:"requests"`
	Tokens   int64 `json:"tokens"`
}

// AlertQuery 告警查询参数
type AlertQuery struct {
	Model     string    `form:"model"`
	Level     string    `form:"level"`
	StartTime time.Time `form:"start_time"`
	EndTime   time.Time `form:"end_time"`
	Limit     int       `form:"limit"`
	Offset    int       `form:"offset"`
}
