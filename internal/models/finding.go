package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Domain 监测域（每个域由独立的 monitor 周期性评估）
type Domain string

const (
	DomainHealth         Domain = "health"
	DomainSafety         Domain = "safety"
	DomainDailyAssistant Domain = "daily_assistant"
)

// ValidDomain 判断监测域取值是否合法
func ValidDomain(d Domain) bool {
	switch d {
	case DomainHealth, DomainSafety, DomainDailyAssistant:
		return true
	}
	return false
}

// Severity 严重级别（有序枚举：Info < Warning < Critical）
type Severity int

const (
	SeverityInfo Severity = iota + 1
	SeverityWarning
	SeverityCritical
)

// String 返回级别的字符串表示（用于日志、缓存和数据库存储）
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity 从字符串解析严重级别
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "info":
		return SeverityInfo, nil
	case "warning":
		return SeverityWarning, nil
	case "critical":
		return SeverityCritical, nil
	}
	return 0, fmt.Errorf("unknown severity: %q", s)
}

// MarshalJSON 序列化为字符串形式（缓存与前端共用）
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON 从字符串形式反序列化
func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Finding 类型常量（kind 与各域的评估规则一一对应）
const (
	KindHeartRateLow               = "heart_rate_low"
	KindHeartRateHigh              = "heart_rate_high"
	KindBloodPressureSystolicLow   = "blood_pressure_systolic_low"
	KindBloodPressureSystolicHigh  = "blood_pressure_systolic_high"
	KindBloodPressureDiastolicLow  = "blood_pressure_diastolic_low"
	KindBloodPressureDiastolicHigh = "blood_pressure_diastolic_high"
	KindGlucoseLow                 = "glucose_low"
	KindGlucoseHigh                = "glucose_high"
	KindOxygenLow                  = "oxygen_low"
	KindFallDetected               = "fall_detected"
	KindRoomInactivity             = "room_inactivity"

	// 提醒类 kind 带提醒 ID 后缀（同一 subject 的不同提醒各自聚合），
	// 由 ReminderKind 生成
	KindReminderOverduePrefix = "reminder_overdue"

	// KindConditionCleared 保留 kind：表示某条件已恢复正常，
	// 对应的 correlation_key 从 context["cleared_kind"] 推导
	KindConditionCleared = "condition_cleared"
)

// ContextKeyClearedKind condition_cleared finding 必须携带的 context 字段
const ContextKeyClearedKind = "cleared_kind"

// ReminderKind 生成某个提醒的 finding kind
func ReminderKind(reminderID string) string {
	return fmt.Sprintf("%s_%s", KindReminderOverduePrefix, reminderID)
}

// Finding 单个监测域在某一时刻对某条件的一次检测结果
// Finding 是短暂的：被聚合器消费一次后即丢弃，只保留审计日志
type Finding struct {
	Domain         Domain                 `json:"domain"`
	SubjectID      string                 `json:"subject_id"`
	Kind           string                 `json:"kind"`
	Severity       Severity               `json:"severity"`
	DetectedAt     time.Time              `json:"detected_at"`
	Context        map[string]interface{} `json:"context,omitempty"`
	CorrelationKey string                 `json:"correlation_key"` // 由 Normalize 推导
}

// IsResolution 判断是否为 condition_cleared（解除类）finding
func (f *Finding) IsResolution() bool {
	return f.Kind == KindConditionCleared
}

// DeriveCorrelationKey 推导关联键：domain:kind:subject_id
// 相同关联键的 finding 代表同一个持续中的条件
func DeriveCorrelationKey(domain Domain, kind, subjectID string) string {
	return fmt.Sprintf("%s:%s:%s", domain, kind, subjectID)
}

// Normalize 校验并补全 finding：
// 1. 校验 domain/kind/subject_id/severity
// 2. detected_at 为零值时取当前时间；超前超过时钟偏移容忍度时拒绝
// 3. 推导 correlation_key（condition_cleared 使用 context 中的 cleared_kind）
// 校验失败返回包装后的 ErrInvalidFinding，调用方不应重试
func (f *Finding) Normalize(now time.Time, skewTolerance time.Duration) error {
	if !ValidDomain(f.Domain) {
		return fmt.Errorf("%w: unknown domain %q", ErrInvalidFinding, f.Domain)
	}
	if f.SubjectID == "" {
		return fmt.Errorf("%w: subject_id is required", ErrInvalidFinding)
	}
	if f.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidFinding)
	}
	if f.Severity < SeverityInfo || f.Severity > SeverityCritical {
		return fmt.Errorf("%w: severity out of range: %d", ErrInvalidFinding, int(f.Severity))
	}

	if f.DetectedAt.IsZero() {
		f.DetectedAt = now
	} else if f.DetectedAt.After(now.Add(skewTolerance)) {
		return fmt.Errorf("%w: detected_at %s is beyond clock skew tolerance", ErrInvalidFinding, f.DetectedAt.Format(time.RFC3339))
	}

	keyKind := f.Kind
	if f.IsResolution() {
		cleared, ok := f.Context[ContextKeyClearedKind].(string)
		if !ok || cleared == "" {
			return fmt.Errorf("%w: condition_cleared requires context[%s]", ErrInvalidFinding, ContextKeyClearedKind)
		}
		keyKind = cleared
	}
	f.CorrelationKey = DeriveCorrelationKey(f.Domain, keyKind, f.SubjectID)

	return nil
}
