package models

import "time"

// 状态转换原因（审计用）
const (
	ReasonCreated           = "created"
	ReasonTimerExpired      = "timer_expired"
	ReasonSeverityJump      = "severity_jump"
	ReasonAcknowledged      = "acknowledged"
	ReasonGraceExpired      = "grace_expired"
	ReasonConditionRecurred = "condition_recurred"
	ReasonResolutionFinding = "resolution_finding"
	ReasonManualResolve     = "manual_resolve"
	ReasonAutoRelieved      = "auto_relieved"
)

// AlertTransition 状态机转换审计记录。
// 携带派发意图的转换构成"已发梯队"账本，重启恢复时据此避免重复派发
type AlertTransition struct {
	ID         int64           `json:"id" db:"id"`
	AlertID    string          `json:"alert_id" db:"alert_id"`
	Seq        uint64          `json:"seq" db:"seq"`
	FromStatus AlertStatus     `json:"from_status" db:"from_status"`
	ToStatus   AlertStatus     `json:"to_status" db:"to_status"`
	Tier       int             `json:"tier" db:"tier"`
	Reason     string          `json:"reason" db:"reason"`
	Intent     *DispatchIntent `json:"intent,omitempty" db:"intent"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}
