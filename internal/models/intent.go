package models

import (
	"fmt"
	"time"
)

// 升级动作名称（tier 表的 action 字段取值，可在配置中扩展）
const (
	ActionNotifyApp               = "notify_app"
	ActionNotifyCaregiver         = "notify_caregiver"
	ActionNotifyEmergencyServices = "notify_emergency_services"
)

// DispatchIntent 升级派发意图：状态机对外的唯一输出。
// (alert_id, escalation_tier) 为幂等键；载荷一经生成不可变，
// 重放（宽限期后回到同级、下游重试）必须携带完全相同的内容
type DispatchIntent struct {
	IntentID       string                 `json:"intent_id"`
	AlertID        string                 `json:"alert_id"`
	EscalationTier int                    `json:"escalation_tier"`
	Action         string                 `json:"action"`
	SubjectID      string                 `json:"subject_id"`
	Domain         Domain                 `json:"domain"`
	Kind           string                 `json:"kind"`
	Severity       Severity               `json:"severity"`
	Priority       int                    `json:"priority"`
	Message        string                 `json:"message"`
	Context        map[string]interface{} `json:"context,omitempty"`
	EmittedAt      time.Time              `json:"emitted_at"`
}

// IdempotencyKey 下游去重键
func (i *DispatchIntent) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", i.AlertID, i.EscalationTier)
}
