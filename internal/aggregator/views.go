package aggregator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"carelink-coordinator/internal/escalation"
	"carelink-coordinator/internal/models"

	"go.uber.org/zap"
)

// ActiveAlerts 全部未解除报警的克隆，按优先级降序。
// 优先级按当前时间重算，长期未处理的报警随时间上浮
func (e *Engine) ActiveAlerts() []*models.Alert {
	e.mu.RLock()
	entries := make([]*alertEntry, 0, len(e.byID))
	for _, entry := range e.byID {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()

	now := e.clock.Now()
	out := make([]*models.Alert, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		if !entry.removed {
			clone := entry.alert.Clone()
			clone.Priority = models.ComputePriority(clone.Severity, clone.Domain, clone.FirstSeenAt, now)
			out = append(out, clone)
		}
		entry.mu.Unlock()
	}
	sortByPriority(out)
	return out
}

// AlertsForSubject 某对象的活动报警与最近已解除历史
func (e *Engine) AlertsForSubject(subjectID string) (active, recent []*models.Alert) {
	active = e.activeForSubject(subjectID)

	e.mu.RLock()
	ring := e.recent[subjectID]
	recent = make([]*models.Alert, len(ring))
	for i, alert := range ring {
		recent[i] = alert.Clone()
	}
	e.mu.RUnlock()
	return active, recent
}

// Rehydrate 重启后从存储恢复活动报警：重建内存索引与已发意图账本，
// 按剩余时间重新设置计时器。已过期的计时器立即触发（追赶升级进度），
// 已发梯队不会重复派发。恢复本身不写转换日志
func (e *Engine) Rehydrate(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	alerts, err := e.store.ListActiveAlerts(ctx)
	if err != nil {
		return fmt.Errorf("list active alerts: %w", err)
	}

	now := e.clock.Now()
	for _, alert := range alerts {
		emitted, err := e.store.ListEmittedIntents(ctx, alert.AlertID)
		if err != nil {
			e.logger.Error("load emitted intents failed",
				zap.String("alert_id", alert.AlertID),
				zap.Error(err))
			emitted = nil
		}
		if emitted == nil {
			emitted = make(map[int]*models.DispatchIntent)
		}

		entry := &alertEntry{alert: alert, seq: 1, emitted: emitted}
		e.mu.Lock()
		e.byKey[alert.CorrelationKey] = entry
		e.byID[alert.AlertID] = entry
		e.mu.Unlock()

		policy := e.policies.For(alert.Domain, alert.Kind)
		switch alert.Status {
		case models.AlertStatusEscalating:
			remaining := remainingUntil(alert.TierDeadline, now, tierDwell(policy, alert.EscalationTier))
			e.timers.Arm(alert.AlertID, entry.seq, remaining, e.onDwellExpiry)
		case models.AlertStatusAcknowledged:
			remaining := remainingUntil(alert.TierDeadline, now, policy.AckGrace)
			e.timers.Arm(alert.AlertID, entry.seq, remaining, e.onGraceExpiry)
		}
		// dispatched 不设计时器，等待人工收尾

		e.logger.Debug("alert restored",
			zap.String("alert_id", alert.AlertID),
			zap.String("status", string(alert.Status)),
			zap.Int("tier", alert.EscalationTier),
			zap.Int("emitted_tiers", len(emitted)))
	}

	e.logger.Info("alert state rehydrated", zap.Int("alerts", len(alerts)))
	return nil
}

// remainingUntil 计算恢复后计时器的剩余时长。存储中没有截止时刻时
// 使用完整时长重新起算，已过期的返回 0（立即触发追赶）
func remainingUntil(deadline *time.Time, now time.Time, full time.Duration) time.Duration {
	if deadline == nil {
		return full
	}
	remaining := deadline.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func tierDwell(policy *escalation.Policy, tier int) time.Duration {
	if spec, ok := policy.TierSpec(tier); ok {
		return spec.Dwell
	}
	return 0
}

// Stats 引擎运行计数快照
type Stats struct {
	ActiveAlerts     int    `json:"active_alerts"`
	PendingTimers    int    `json:"pending_timers"`
	Created          uint64 `json:"created"`
	Updated          uint64 `json:"updated"`
	Suppressed       uint64 `json:"suppressed"`
	Dispatched       uint64 `json:"dispatched"`
	Resolved         uint64 `json:"resolved"`
	TimerRaces       uint64 `json:"timer_races"`
	DispatchFailures uint64 `json:"dispatch_failures"`
	StoreFailures    uint64 `json:"store_failures"`
}

// Stats 返回运行计数
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	active := len(e.byID)
	e.mu.RUnlock()

	return Stats{
		ActiveAlerts:     active,
		PendingTimers:    e.timers.Len(),
		Created:          atomic.LoadUint64(&e.statCreated),
		Updated:          atomic.LoadUint64(&e.statUpdated),
		Suppressed:       atomic.LoadUint64(&e.statSuppressed),
		Dispatched:       atomic.LoadUint64(&e.statDispatched),
		Resolved:         atomic.LoadUint64(&e.statResolved),
		TimerRaces:       atomic.LoadUint64(&e.statTimerRaces),
		DispatchFailures: atomic.LoadUint64(&e.statDispatchFailures),
		StoreFailures:    atomic.LoadUint64(&e.statStoreFailures),
	}
}
