package aggregator

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"carelink-coordinator/internal/escalation"
	"carelink-coordinator/internal/models"

	"go.uber.org/zap"
)

// onDwellExpiry 驻留计时器到期回调。序号不匹配说明该回调已被
// 其他转换作废（确认、解除或更快的重设），直接忽略
func (e *Engine) onDwellExpiry(alertID string, seq uint64) {
	ctx := context.Background()

	entry := e.lookupByID(alertID)
	if entry == nil {
		atomic.AddUint64(&e.statTimerRaces, 1)
		return
	}

	entry.mu.Lock()
	if entry.removed || entry.seq != seq || entry.alert.Status != models.AlertStatusEscalating {
		entry.mu.Unlock()
		atomic.AddUint64(&e.statTimerRaces, 1)
		e.logger.Debug("stale dwell timer ignored",
			zap.String("alert_id", alertID),
			zap.Uint64("seq", seq))
		return
	}
	e.advanceTierLocked(ctx, entry, models.ReasonTimerExpired)
	subjectID := entry.alert.SubjectID
	entry.mu.Unlock()

	e.refreshSubject(ctx, subjectID)
}

// onGraceExpiry 确认宽限计时器到期回调。报警仍未解除，回到同梯队继续升级
func (e *Engine) onGraceExpiry(alertID string, seq uint64) {
	ctx := context.Background()

	entry := e.lookupByID(alertID)
	if entry == nil {
		atomic.AddUint64(&e.statTimerRaces, 1)
		return
	}

	entry.mu.Lock()
	if entry.removed || entry.seq != seq || entry.alert.Status != models.AlertStatusAcknowledged {
		entry.mu.Unlock()
		atomic.AddUint64(&e.statTimerRaces, 1)
		e.logger.Debug("stale grace timer ignored",
			zap.String("alert_id", alertID),
			zap.Uint64("seq", seq))
		return
	}
	e.resumeEscalationLocked(ctx, entry, models.ReasonGraceExpired)
	subjectID := entry.alert.SubjectID
	entry.mu.Unlock()

	e.refreshSubject(ctx, subjectID)
}

// advanceTierLocked 推进到下一梯队。到达终梯队时进入 dispatched 终态，
// 否则发出该梯队意图并重新设置驻留计时器。调用方持有 entry.mu
func (e *Engine) advanceTierLocked(ctx context.Context, entry *alertEntry, reason string) {
	alert := entry.alert
	if alert.Status == models.AlertStatusDispatched || alert.Status == models.AlertStatusResolved {
		return
	}

	policy := e.policies.For(alert.Domain, alert.Kind)
	now := e.clock.Now()
	from := alert.Status
	next := alert.EscalationTier + 1

	entry.seq++
	alert.EscalationTier = next
	alert.TierEnteredAt = now
	alert.UpdatedAt = now

	if next >= policy.TerminalTier() {
		// 终梯队：通知急救服务并停在 dispatched，等待人工收尾
		alert.Status = models.AlertStatusDispatched
		alert.TierDeadline = nil
		e.timers.Cancel(alert.AlertID)

		intent := e.emitIntentLocked(ctx, entry, next)
		e.persistUpdates(ctx, alert.AlertID, map[string]interface{}{
			"status":          string(alert.Status),
			"escalation_tier": alert.EscalationTier,
			"tier_entered_at": alert.TierEnteredAt,
			"tier_deadline":   nil,
		})
		e.recordTransition(ctx, entry, from, alert.Status, reason, intent)

		atomic.AddUint64(&e.statDispatched, 1)
		e.logger.Warn("alert reached terminal tier",
			zap.String("alert_id", alert.AlertID),
			zap.String("correlation_key", alert.CorrelationKey),
			zap.Int("tier", next),
			zap.String("reason", reason))
		return
	}

	spec, _ := policy.TierSpec(next)
	deadline := now.Add(spec.Dwell)
	alert.Status = models.AlertStatusEscalating
	alert.TierDeadline = &deadline

	intent := e.emitIntentLocked(ctx, entry, next)
	e.timers.Arm(alert.AlertID, entry.seq, spec.Dwell, e.onDwellExpiry)
	e.persistUpdates(ctx, alert.AlertID, map[string]interface{}{
		"status":          string(alert.Status),
		"escalation_tier": alert.EscalationTier,
		"tier_entered_at": alert.TierEnteredAt,
		"tier_deadline":   deadline,
	})
	e.recordTransition(ctx, entry, from, alert.Status, reason, intent)

	e.logger.Info("alert escalated",
		zap.String("alert_id", alert.AlertID),
		zap.Int("tier", next),
		zap.String("action", spec.Action),
		zap.Duration("dwell", spec.Dwell),
		zap.String("reason", reason))
}

// shortenDwellLocked 严重级别升高但不跳级时，剩余驻留减半。
// 调用方持有 entry.mu
func (e *Engine) shortenDwellLocked(entry *alertEntry) {
	alert := entry.alert
	if alert.TierDeadline == nil {
		return
	}
	now := e.clock.Now()
	remaining := alert.TierDeadline.Sub(now)
	if remaining <= 0 {
		return // 计时器即将触发，让它自然走完
	}

	shortened := remaining / 2
	deadline := now.Add(shortened)
	alert.TierDeadline = &deadline
	entry.seq++
	e.timers.Arm(alert.AlertID, entry.seq, shortened, e.onDwellExpiry)
	e.persistUpdates(context.Background(), alert.AlertID, map[string]interface{}{
		"tier_deadline": deadline,
	})

	e.logger.Info("dwell shortened after severity increase",
		zap.String("alert_id", alert.AlertID),
		zap.Int("tier", alert.EscalationTier),
		zap.Duration("remaining", shortened))
}

// resumeEscalationLocked 从 acknowledged 回到同梯队 escalating：
// 宽限到期或确认后条件恶化。重新发出该梯队意图（载荷不变，下游幂等，
// 首发失败时这里相当于一次重试）。调用方持有 entry.mu
func (e *Engine) resumeEscalationLocked(ctx context.Context, entry *alertEntry, reason string) {
	alert := entry.alert
	policy := e.policies.For(alert.Domain, alert.Kind)
	now := e.clock.Now()
	from := alert.Status

	spec, ok := policy.TierSpec(alert.EscalationTier)
	if !ok {
		return
	}

	entry.seq++
	alert.Status = models.AlertStatusEscalating
	alert.TierEnteredAt = now
	deadline := now.Add(spec.Dwell)
	alert.TierDeadline = &deadline
	alert.UpdatedAt = now

	intent := e.emitIntentLocked(ctx, entry, alert.EscalationTier)
	e.timers.Arm(alert.AlertID, entry.seq, spec.Dwell, e.onDwellExpiry)
	e.persistUpdates(ctx, alert.AlertID, map[string]interface{}{
		"status":          string(alert.Status),
		"tier_entered_at": alert.TierEnteredAt,
		"tier_deadline":   deadline,
	})
	e.recordTransition(ctx, entry, from, alert.Status, reason, intent)

	e.logger.Info("alert escalation resumed",
		zap.String("alert_id", alert.AlertID),
		zap.Int("tier", alert.EscalationTier),
		zap.String("reason", reason))
}

// Acknowledge 确认报警：暂停升级，进入宽限期。宽限内条件未解除则
// 回到同梯队继续升级。重复确认幂等
func (e *Engine) Acknowledge(ctx context.Context, alertID, actor string) error {
	entry := e.lookupByID(alertID)
	if entry == nil {
		if e.inRecent(alertID) {
			return fmt.Errorf("%w: alert %s", models.ErrAlreadyResolved, alertID)
		}
		return fmt.Errorf("%w: alert %s", models.ErrUnknownAlert, alertID)
	}

	entry.mu.Lock()
	alert := entry.alert
	if entry.removed || alert.Status == models.AlertStatusResolved {
		entry.mu.Unlock()
		return fmt.Errorf("%w: alert %s", models.ErrAlreadyResolved, alertID)
	}
	if alert.Status == models.AlertStatusDispatched {
		entry.mu.Unlock()
		return fmt.Errorf("%w: alert %s already dispatched", models.ErrAlreadyResolved, alertID)
	}
	if alert.Status == models.AlertStatusAcknowledged {
		entry.mu.Unlock()
		e.logger.Debug("alert already acknowledged",
			zap.String("alert_id", alertID),
			zap.String("ack_by", actor))
		return nil
	}

	policy := e.policies.For(alert.Domain, alert.Kind)
	now := e.clock.Now()
	from := alert.Status

	entry.seq++
	alert.Status = models.AlertStatusAcknowledged
	alert.AckBy = &actor
	alert.AckAt = &now
	deadline := now.Add(policy.AckGrace)
	alert.TierDeadline = &deadline
	alert.UpdatedAt = now

	e.timers.Arm(alert.AlertID, entry.seq, policy.AckGrace, e.onGraceExpiry)
	e.persistUpdates(ctx, alert.AlertID, map[string]interface{}{
		"status":        string(alert.Status),
		"ack_by":        actor,
		"ack_at":        now,
		"tier_deadline": deadline,
	})
	e.recordTransition(ctx, entry, from, alert.Status, models.ReasonAcknowledged, nil)
	subjectID := alert.SubjectID
	entry.mu.Unlock()

	e.refreshSubject(ctx, subjectID)
	e.logger.Info("alert acknowledged",
		zap.String("alert_id", alertID),
		zap.String("ack_by", actor),
		zap.Duration("grace", policy.AckGrace))
	return nil
}

// Resolve 人工解除报警。dispatched 报警只能从这里收尾
func (e *Engine) Resolve(ctx context.Context, alertID, actor, resolution string) error {
	if resolution == "" {
		resolution = models.ResolutionVerified
	}
	switch resolution {
	case models.ResolutionVerified, models.ResolutionFalseAlarm:
	default:
		return fmt.Errorf("%w: invalid resolution %q", models.ErrInvalidFinding, resolution)
	}

	entry := e.lookupByID(alertID)
	if entry == nil {
		if e.inRecent(alertID) {
			return fmt.Errorf("%w: alert %s", models.ErrAlreadyResolved, alertID)
		}
		return fmt.Errorf("%w: alert %s", models.ErrUnknownAlert, alertID)
	}

	entry.mu.Lock()
	if entry.removed || entry.alert.Status == models.AlertStatusResolved {
		entry.mu.Unlock()
		return fmt.Errorf("%w: alert %s", models.ErrAlreadyResolved, alertID)
	}
	e.resolveEntryLocked(ctx, entry, resolution, models.ReasonManualResolve)
	subjectID := entry.alert.SubjectID
	entry.mu.Unlock()

	e.detach(entry)
	e.refreshSubject(ctx, subjectID)
	e.logger.Info("alert resolved manually",
		zap.String("alert_id", alertID),
		zap.String("resolved_by", actor),
		zap.String("resolution", resolution))
	return nil
}

// resolveEntryLocked 将报警置为 resolved 并标记摘除。调用方持有 entry.mu，
// 释放后必须调用 detach 将条目移出索引
func (e *Engine) resolveEntryLocked(ctx context.Context, entry *alertEntry, resolution, reason string) models.AlertDelta {
	alert := entry.alert
	now := e.clock.Now()
	from := alert.Status

	entry.seq++
	e.timers.Cancel(alert.AlertID)
	alert.Status = models.AlertStatusResolved
	alert.ResolvedAt = &now
	alert.Resolution = &resolution
	alert.TierDeadline = nil
	alert.UpdatedAt = now
	entry.removed = true

	e.persistUpdates(ctx, alert.AlertID, map[string]interface{}{
		"status":        string(alert.Status),
		"resolved_at":   now,
		"resolution":    resolution,
		"tier_deadline": nil,
	})
	e.recordTransition(ctx, entry, from, alert.Status, reason, nil)

	atomic.AddUint64(&e.statResolved, 1)
	e.logger.Info("alert resolved",
		zap.String("alert_id", alert.AlertID),
		zap.String("correlation_key", alert.CorrelationKey),
		zap.String("resolution", resolution),
		zap.String("reason", reason))

	return models.AlertDelta{Kind: models.DeltaUpdated, Alert: alert.Clone()}
}

// SweepStale 解除超过 staleness 窗口未见新证据的报警。
// dispatched 报警不参与自动解除。返回本轮解除数量
func (e *Engine) SweepStale(ctx context.Context) int {
	e.mu.RLock()
	entries := make([]*alertEntry, 0, len(e.byID))
	for _, entry := range e.byID {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()

	now := e.clock.Now()
	swept := 0
	for _, entry := range entries {
		entry.mu.Lock()
		alert := entry.alert
		if entry.removed || alert.Status == models.AlertStatusDispatched {
			entry.mu.Unlock()
			continue
		}
		policy := e.policies.For(alert.Domain, alert.Kind)
		if policy.Staleness <= 0 || now.Sub(alert.LastSeenAt) <= policy.Staleness {
			entry.mu.Unlock()
			continue
		}
		e.resolveEntryLocked(ctx, entry, models.ResolutionAutoRelieved, models.ReasonAutoRelieved)
		subjectID := alert.SubjectID
		entry.mu.Unlock()

		e.detach(entry)
		e.refreshSubject(ctx, subjectID)
		swept++
	}
	return swept
}

// emitIntentLocked 生成（或重放）某梯队的派发意图并推给出口。
// 同一 (alert_id, tier) 只生成一次载荷，重放复用首次生成的意图。
// 派发失败不回滚状态机，记失败计数等待后续重放。调用方持有 entry.mu
func (e *Engine) emitIntentLocked(ctx context.Context, entry *alertEntry, tierNo int) *models.DispatchIntent {
	intent, ok := entry.emitted[tierNo]
	if !ok {
		policy := e.policies.For(entry.alert.Domain, entry.alert.Kind)
		spec, found := policy.TierSpec(tierNo)
		if !found {
			return nil
		}
		intent = escalation.BuildIntent(entry.alert, spec, e.clock.Now())
		entry.emitted[tierNo] = intent
	}

	if e.sink != nil {
		dctx, cancel := context.WithTimeout(ctx, e.dispatchTimeout)
		err := e.sink.Dispatch(dctx, intent)
		cancel()
		if err != nil {
			atomic.AddUint64(&e.statDispatchFailures, 1)
			e.logger.Error("dispatch intent failed",
				zap.String("alert_id", intent.AlertID),
				zap.Int("tier", tierNo),
				zap.String("action", intent.Action),
				zap.Error(err))
		}
	}
	return intent
}

// persistUpdates 持久化字段更新。存储失败只记日志，内存状态保持权威
func (e *Engine) persistUpdates(ctx context.Context, alertID string, updates map[string]interface{}) {
	if e.store == nil {
		return
	}
	if err := e.store.UpdateAlert(ctx, alertID, updates); err != nil {
		atomic.AddUint64(&e.statStoreFailures, 1)
		e.logger.Error("alert update persist failed",
			zap.String("alert_id", alertID),
			zap.Error(err))
	}
}

// recordTransition 写转换审计记录。调用方持有 entry.mu
func (e *Engine) recordTransition(ctx context.Context, entry *alertEntry, from, to models.AlertStatus, reason string, intent *models.DispatchIntent) {
	if e.store == nil {
		return
	}
	tr := &models.AlertTransition{
		AlertID:    entry.alert.AlertID,
		Seq:        entry.seq,
		FromStatus: from,
		ToStatus:   to,
		Tier:       entry.alert.EscalationTier,
		Reason:     reason,
		Intent:     intent,
		CreatedAt:  e.clock.Now(),
	}
	if err := e.store.RecordTransition(ctx, tr); err != nil {
		atomic.AddUint64(&e.statStoreFailures, 1)
		e.logger.Error("transition persist failed",
			zap.String("alert_id", entry.alert.AlertID),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

// detach 将已解除的条目移出索引，并存入该对象的最近历史环
func (e *Engine) detach(entry *alertEntry) {
	entry.mu.Lock()
	alert := entry.alert.Clone()
	entry.mu.Unlock()

	e.mu.Lock()
	if cur, ok := e.byKey[alert.CorrelationKey]; ok && cur == entry {
		delete(e.byKey, alert.CorrelationKey)
	}
	delete(e.byID, alert.AlertID)

	ring := append([]*models.Alert{alert}, e.recent[alert.SubjectID]...)
	if len(ring) > e.historyLimit {
		ring = ring[:e.historyLimit]
	}
	e.recent[alert.SubjectID] = ring
	e.mu.Unlock()
}

// refreshSubject 重写某对象的活动报警缓存快照。必须在不持有任何
// entry.mu 时调用
func (e *Engine) refreshSubject(ctx context.Context, subjectID string) {
	if e.cache == nil {
		return
	}
	alerts := e.activeForSubject(subjectID)
	if err := e.cache.WriteAlertSnapshot(ctx, subjectID, alerts); err != nil {
		e.logger.Warn("alert snapshot write failed",
			zap.String("subject_id", subjectID),
			zap.Error(err))
	}
}

// activeForSubject 收集某对象的活动报警克隆，按优先级降序
func (e *Engine) activeForSubject(subjectID string) []*models.Alert {
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
		if !entry.removed && entry.alert.SubjectID == subjectID {
			clone := entry.alert.Clone()
			clone.Priority = models.ComputePriority(clone.Severity, clone.Domain, clone.FirstSeenAt, now)
			out = append(out, clone)
		}
		entry.mu.Unlock()
	}
	sortByPriority(out)
	return out
}

func (e *Engine) lookupByID(alertID string) *alertEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.byID[alertID]
}

// inRecent 判断报警是否在最近已解除历史中
func (e *Engine) inRecent(alertID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ring := range e.recent {
		for _, alert := range ring {
			if alert.AlertID == alertID {
				return true
			}
		}
	}
	return false
}

// sortByPriority 优先级降序，同优先级按出现时间先后
func sortByPriority(alerts []*models.Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].Priority != alerts[j].Priority {
			return alerts[i].Priority > alerts[j].Priority
		}
		return alerts[i].FirstSeenAt.Before(alerts[j].FirstSeenAt)
	})
}
