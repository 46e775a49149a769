package escalation

import (
	"fmt"
	"strings"
	"time"

	"carelink-coordinator/internal/models"

	"github.com/google/uuid"
)

// BuildIntent 生成某梯队的派发意图。
// 载荷一经生成不可变：同一 (alert_id, tier) 的重放必须复用首次生成的意图，
// 下游按幂等键去重
func BuildIntent(alert *models.Alert, tier Tier, now time.Time) *models.DispatchIntent {
	intent := &models.DispatchIntent{
		IntentID:       uuid.New().String(),
		AlertID:        alert.AlertID,
		EscalationTier: tier.Tier,
		Action:         tier.Action,
		SubjectID:      alert.SubjectID,
		Domain:         alert.Domain,
		Kind:           alert.Kind,
		Severity:       alert.Severity,
		Priority:       alert.Priority,
		Message:        Message(alert),
		EmittedAt:      now,
	}
	if alert.Context != nil {
		intent.Context = make(map[string]interface{}, len(alert.Context))
		for k, v := range alert.Context {
			intent.Context[k] = v
		}
	}
	return intent
}

// Message 生成人类可读的通知文案（派发通道直接转发给看护人/急救方）
func Message(alert *models.Alert) string {
	switch {
	case alert.Kind == models.KindFallDetected:
		msg := "Fall detected"
		if room := ctxString(alert.Context, "room"); room != "" {
			msg += " in " + room
		}
		if impact := ctxString(alert.Context, "impact"); impact != "" {
			msg += fmt.Sprintf(" (impact: %s)", impact)
		}
		return msg

	case alert.Kind == models.KindRoomInactivity:
		room := ctxString(alert.Context, "room")
		if room == "" {
			room = "current room"
		}
		msg := fmt.Sprintf("No activity detected in %s", room)
		if mins := ctxNumber(alert.Context, "inactive_minutes"); mins > 0 {
			msg += fmt.Sprintf(" for %.0f minutes", mins)
		}
		if limit := ctxNumber(alert.Context, "limit_minutes"); limit > 0 {
			msg += fmt.Sprintf(" (limit %.0f)", limit)
		}
		return msg

	case strings.HasPrefix(alert.Kind, models.KindReminderOverduePrefix):
		title := ctxString(alert.Context, "title")
		if title == "" {
			title = "scheduled task"
		}
		msg := fmt.Sprintf("Reminder overdue: %s", title)
		if due := ctxString(alert.Context, "due"); due != "" {
			msg += fmt.Sprintf(" (due %s)", due)
		}
		return msg

	case alert.Domain == models.DomainHealth:
		label := vitalLabel(alert.Kind)
		msg := label
		if value := ctxString(alert.Context, "value"); value != "" {
			msg += ": " + value
			if unit := ctxString(alert.Context, "unit"); unit != "" {
				msg += " " + unit
			}
		}
		if rng := ctxString(alert.Context, "range"); rng != "" {
			msg += fmt.Sprintf(" (expected %s)", rng)
		}
		return msg
	}

	return fmt.Sprintf("%s (%s)", alert.Kind, alert.Severity)
}

func vitalLabel(kind string) string {
	switch kind {
	case models.KindHeartRateLow:
		return "Heart rate below normal range"
	case models.KindHeartRateHigh:
		return "Heart rate above normal range"
	case models.KindBloodPressureSystolicLow:
		return "Systolic blood pressure below normal range"
	case models.KindBloodPressureSystolicHigh:
		return "Systolic blood pressure above normal range"
	case models.KindBloodPressureDiastolicLow:
		return "Diastolic blood pressure below normal range"
	case models.KindBloodPressureDiastolicHigh:
		return "Diastolic blood pressure above normal range"
	case models.KindGlucoseLow:
		return "Blood glucose below normal range"
	case models.KindGlucoseHigh:
		return "Blood glucose above normal range"
	case models.KindOxygenLow:
		return "Oxygen saturation below normal range"
	}
	return "Vital sign out of range"
}

func ctxString(ctx map[string]interface{}, key string) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx[key].(string); ok {
		return v
	}
	return ""
}

func ctxNumber(ctx map[string]interface{}, key string) float64 {
	if ctx == nil {
		return 0
	}
	switch v := ctx[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
