package models

import (
	"time"
)

// AlertStatus 报警状态机状态
// open → escalating → {acknowledged, dispatched, resolved}
// acknowledged → resolved，或宽限期内未解除时回到 escalating（同级）
type AlertStatus string

const (
	AlertStatusOpen         AlertStatus = "open"
	AlertStatusEscalating   AlertStatus = "escalating"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusDispatched   AlertStatus = "dispatched"
	AlertStatusResolved     AlertStatus = "resolved"
)

// Resolution 取值（与报警处理口径对齐）
const (
	ResolutionConditionCleared = "condition_cleared"      // 监测域上报条件解除
	ResolutionVerified         = "verified_and_processed" // 人工确认并处理
	ResolutionFalseAlarm       = "false_alarm"            // 人工判定误报
	ResolutionAutoRelieved     = "auto_relieved"          // 超过 staleness 窗口自动解除
)

// Alert 去重后的报警，聚合器与升级状态机共同维护
type Alert struct {
	AlertID        string                 `json:"alert_id" db:"alert_id"`
	CorrelationKey string                 `json:"correlation_key" db:"correlation_key"`
	SubjectID      string                 `json:"subject_id" db:"subject_id"`
	Domain         Domain                 `json:"domain" db:"domain"`
	Kind           string                 `json:"kind" db:"kind"`
	Severity       Severity               `json:"severity" db:"severity"`     // 贡献 finding 的最大严重级别
	Priority       int                    `json:"priority" db:"priority"`     // severity + 域权重 + 持续时长加成
	Status         AlertStatus            `json:"status" db:"status"`
	EscalationTier int                    `json:"escalation_tier" db:"escalation_tier"` // 1..N，escalating 期间单调不减
	TierEnteredAt  time.Time              `json:"tier_entered_at" db:"tier_entered_at"`
	TierDeadline   *time.Time             `json:"tier_deadline,omitempty" db:"tier_deadline"` // 当前计时器（dwell 或 grace）到期时刻
	FirstSeenAt    time.Time              `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt     time.Time              `json:"last_seen_at" db:"last_seen_at"` // 只增不减
	AckBy          *string                `json:"ack_by,omitempty" db:"ack_by"`
	AckAt          *time.Time             `json:"ack_at,omitempty" db:"ack_at"`
	ResolvedAt     *time.Time             `json:"resolved_at,omitempty" db:"resolved_at"`
	Resolution     *string                `json:"resolution,omitempty" db:"resolution"`
	Context        map[string]interface{} `json:"context,omitempty" db:"context"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at" db:"updated_at"`
}

// IsTerminal dispatched 和 resolved 为终态
func (a *Alert) IsTerminal() bool {
	return a.Status == AlertStatusDispatched || a.Status == AlertStatusResolved
}

// IsActive 仍可被 acknowledge 的状态
func (a *Alert) IsActive() bool {
	switch a.Status {
	case AlertStatusOpen, AlertStatusEscalating, AlertStatusAcknowledged:
		return true
	}
	return false
}

// Clone 返回深拷贝（快照读取时使用，避免调用方与引擎共享可变状态）
func (a *Alert) Clone() *Alert {
	clone := *a
	if a.TierDeadline != nil {
		t := *a.TierDeadline
		clone.TierDeadline = &t
	}
	if a.AckBy != nil {
		s := *a.AckBy
		clone.AckBy = &s
	}
	if a.AckAt != nil {
		t := *a.AckAt
		clone.AckAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		clone.ResolvedAt = &t
	}
	if a.Resolution != nil {
		s := *a.Resolution
		clone.Resolution = &s
	}
	if a.Context != nil {
		ctx := make(map[string]interface{}, len(a.Context))
		for k, v := range a.Context {
			ctx[k] = v
		}
		clone.Context = ctx
	}
	return &clone
}

// 优先级权重。severity 为主导项，域权重区分同级报警的处置次序，
// 时长加成保证长期未处理的报警逐步上浮
const (
	priorityWeightInfo     = 10
	priorityWeightWarning  = 40
	priorityWeightCritical = 80

	priorityWeightSafety = 30
	priorityWeightHealth = 25
	priorityWeightDaily  = 10

	priorityAgeStep     = 10 * time.Minute
	priorityAgeBonusCap = 15
)

// ComputePriority 计算报警优先级（确定性函数，合并和快照时重算）
func ComputePriority(severity Severity, domain Domain, firstSeenAt, now time.Time) int {
	p := 0
	switch severity {
	case SeverityCritical:
		p += priorityWeightCritical
	case SeverityWarning:
		p += priorityWeightWarning
	default:
		p += priorityWeightInfo
	}

	switch domain {
	case DomainSafety:
		p += priorityWeightSafety
	case DomainHealth:
		p += priorityWeightHealth
	default:
		p += priorityWeightDaily
	}

	if now.After(firstSeenAt) {
		bonus := int(now.Sub(firstSeenAt) / priorityAgeStep)
		if bonus > priorityAgeBonusCap {
			bonus = priorityAgeBonusCap
		}
		p += bonus
	}

	return p
}

// AlertDeltaKind 一次 ingest 的结果类型
type AlertDeltaKind string

const (
	DeltaCreated    AlertDeltaKind = "created"
	DeltaUpdated    AlertDeltaKind = "updated"
	DeltaSuppressed AlertDeltaKind = "suppressed"
)

// AlertDelta ingest 的返回值。Suppressed 时 Alert 可能为 nil
// （低级别 finding 未命中任何活跃报警）
type AlertDelta struct {
	Kind  AlertDeltaKind `json:"kind"`
	Alert *Alert         `json:"alert,omitempty"`
}
