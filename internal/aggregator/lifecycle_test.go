package aggregator

import (
	"context"
	"testing"
	"time"

	"carelink-coordinator/internal/config"
	"carelink-coordinator/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscalation_TimerChainReachesTerminal(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	created := fx.engine.Ingest(ctx, fx.finding(t, models.DomainHealth, models.KindHeartRateHigh, models.SeverityWarning))
	alertID := created.Alert.AlertID

	// 梯队 1 驻留期内不推进
	fx.clock.Add(299 * time.Second)
	assert.Len(t, fx.sink.intents(), 1)

	// 300s：梯队 2，通知看护人
	fx.clock.Add(time.Second)
	intents := fx.sink.intents()
	require.Len(t, intents, 2)
	assert.Equal(t, 2, intents[1].EscalationTier)
	assert.Equal(t, models.ActionNotifyCaregiver, intents[1].Action)

	// 600s：梯队 3 终态，通知急救服务
	fx.clock.Add(300 * time.Second)
	intents = fx.sink.intents()
	require.Len(t, intents, 3)
	assert.Equal(t, 3, intents[2].EscalationTier)
	assert.Equal(t, models.ActionNotifyEmergencyServices, intents[2].Action)

	active := fx.engine.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, models.AlertStatusDispatched, active[0].Status)
	assert.Equal(t, alertID, active[0].AlertID)
	assert.Nil(t, active[0].TierDeadline)

	// 终态后没有在途计时器，时间推进不再派发
	assert.Equal(t, 0, fx.engine.Stats().PendingTimers)
	fx.clock.Add(24 * time.Hour)
	assert.Len(t, fx.sink.intents(), 3)

	assert.Equal(t, []string{
		models.ReasonCreated,
		models.ReasonTimerExpired,
		models.ReasonTimerExpired,
	}, fx.store.transitionReasons())
}

func TestEscalation_TierNeverDecreases(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	fx.engine.Ingest(ctx, fx.finding(t, models.DomainHealth, models.KindHeartRateHigh, models.SeverityWarning))
	fx.clock.Add(300 * time.Second)

	// 梯队 2 上的新 finding 不会把梯队拉回去
	delta := fx.engine.Ingest(ctx, fx.finding(t, models.DomainHealth, models.KindHeartRateHigh, models.SeverityWarning))
	require.Equal(t, models.DeltaUpdated, delta.Kind)
	assert.Equal(t, 2, delta.Alert.EscalationTier)
}

func TestAcknowledge_PausesEscalationThenGraceResumes(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	created := fx.engine.Ingest(ctx, fx.finding(t, models.DomainHealth, models.KindHeartRateHigh, models.SeverityWarning))
	alertID := created.Alert.AlertID

	fx.clock.Add(300 * time.Second) // 梯队 2
	require.Len(t, fx.sink.intents(), 2)
	tier2First := fx.sink.intents()[1]

	require.NoError(t, fx.engine.Acknowledge(ctx, alertID, "caregiver-1"))
	active := fx.engine.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, models.AlertStatusAcknowledged, active[0].Status)
	require.NotNil(t, active[0].AckBy)
	assert.Equal(t, "caregiver-1", *active[0].AckBy)

	// 确认后原 dwell 计时器作废：宽限期（600s）前半段无任何升级
	fx.clock.Add(399 * time.Second)
	assert.Len(t, fx.sink.intents(), 2)

	// 宽限到期：回到同梯队（2），重发同一载荷的意图
	fx.clock.Add(201 * time.Second)
	intents := fx.sink.intents()
	require.Len(t, intents, 3)
	assert.Equal(t, 2, intents[2].EscalationTier)
	assert.Equal(t, tier2First.IntentID, intents[2].IntentID)

	active = fx.engine.ActiveAlerts()
	assert.Equal(t, models.AlertStatusEscalating, active[0].Status)
	assert.Equal(t, 2, active[0].EscalationTier)

	// 恢复后的驻留走完，推进到终梯队
	fx.clock.Add(300 * time.Second)
	intents = fx.sink.intents()
	require.Len(t, intents, 4)
	assert.Equal(t, 3, intents[3].EscalationTier)
}

func TestAcknowledge_CancelledTimerNeverFires(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	created := fx.engine.Ingest(ctx, fx.finding(t, models.DomainHealth, models.KindHeartRateHigh, models.SeverityWarning))
	alertID := created.Alert.AlertID

	fx.clock.Add(100 * time.Second)
	require.NoError(t, fx.engine.Acknowledge(ctx, alertID, "caregiver-1"))

	// 原定 300s 的 dwell 到点不触发（已被确认替换为宽限计时器）
	fx.clock.Add(250 * time.Second)
	assert.Len(t, fx.sink.intents(), 1)
	active := fx.engine.ActiveAlerts()
	assert.Equal(t, models.AlertStatusAcknowledged, active[0].Status)
	assert.Equal(t, 1, active[0].EscalationTier)
}

func TestAcknowledge_Idempotent(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	created := fx.engine.Ingest(ctx, fx.finding(t, models.DomainHealth, models.KindHeartRateHigh, models.SeverityWarning))
	alertID := created.Alert.AlertID

	require.NoError(t, fx.engine.Acknowledge(ctx, alertID, "caregiver-1"))
	transitions := len(fx.store.transitions)

	require.NoError(t, fx.engine.Acknowledge(ctx, alertID, "caregiver-2"))
	assert.Len(t, fx.store.transitions, transitions)

	// 首次确认人保留
	active := fx.engine.ActiveAlerts()
	assert.Equal(t, "caregiver-1", *active[0].AckBy)
}

func TestAcknowledge_Errors(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	err := fx.engine.Acknowledge(ctx, uuid.New().String(), "caregiver-1")
	assert.ErrorIs(t, err, models.ErrUnknownAlert)

	created := fx.engine.Ingest(ctx, fx.finding(t, models.DomainHealth, models.KindHeartRateHigh, models.SeverityWarning))
	alertID := created.Alert.AlertID
	fx.engine.Ingest(ctx, fx.resolutionFinding(t, models.DomainHealth, models.KindHeartRateHigh))

	// 已解除（仍在最近历史中）
	err = fx.engine.Acknowledge(ctx, alertID, "caregiver-1")
	assert.ErrorIs(t, err, models.ErrAlreadyResolved)

	// 已到终态的报警不能再确认
	dispatched := fx.engine.Ingest(ctx, fx.finding(t, models.DomainSafety, models.KindRoomInactivity, models.SeverityWarning))
	fx.clock.Add(600 * time.Second)
	err = fx.engine.Acknowledge(ctx, dispatched.Alert.AlertID, "caregiver-1")
	assert.ErrorIs(t, err, models.ErrAlreadyResolved)
}

func TestSeverityIncrease_ShortensRemainingDwell(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	fx.engine.Ingest(ctx, fx.finding(t, models.DomainHealth, models.KindHeartRateHigh, models.SeverityWarning))

	// 100s 后升到 critical：剩余 200s 驻留减半为 100s
	fx.clock.Add(100 * time.Second)
	delta := fx.engine.Ingest(ctx, fx.finding(t, models.DomainHealth, models.KindHeartRateHigh, models.SeverityCritical))
	require.Equal(t, models.DeltaUpdated, delta.Kind)
	assert.Equal(t, models.SeverityCritical, delta.Alert.Severity)
	assert.Equal(t, 1, delta.Alert.EscalationTier)
	require.NotNil(t, delta.Alert.TierDeadline)
	assert.Equal(t, fx.clock.Now().Add(100*time.Second), *delta.Alert.TierDeadline)

	// 第 200s（而非原定 300s）推进到梯队 2
	fx.clock.Add(100 * time.Second)
	intents := fx.sink.intents()
	require.Len(t, intents, 2)
	assert.Equal(t, 2, intents[1].EscalationTier)
}

func TestSeverityIncrease_JumpOnCritical(t *testing.T) {
	cfg := &config.EscalationConfig{
		Domains: map[string]*config.PolicySpec{
			"safety": {JumpOnCritical: true},
		},
	}
	fx := setupEngine(t, cfg)
	ctx := context.Background()

	fx.engine.Ingest(ctx, fx.finding(t, models.DomainSafety, models.KindRoomInactivity, models.SeverityWarning))
	require.Len(t, fx.sink.intents(), 1)

	// critical 直接跳到下一梯队，不等驻留
	fx.clock.Add(30 * time.Second)
	delta := fx.engine.Ingest(ctx, fx.finding(t, models.DomainSafety, models.KindRoomInactivity, models.SeverityCritical))
	require.Equal(t, models.DeltaUpdated, delta.Kind)
	assert.Equal(t, 2, delta.Alert.EscalationTier)

	intents := fx.sink.intents()
	require.Len(t, intents, 2)
	assert.Equal(t, 2, intents[1].EscalationTier)
	assert.Contains(t, fx.store.transitionReasons(), models.ReasonSeverityJump)
}

func TestCreate_CriticalWithJumpPolicySkipsFirstDwell(t *testing.T) {
	cfg := &config.EscalationConfig{
		Domains: map[string]*config.PolicySpec{
			"safety": {JumpOnCritical: true},
		},
	}
	fx := setupEngine(t, cfg)
	ctx := context.Background()

	// critical 创建：梯队 1 和 2 的意图接连发出
	delta := fx.engine.Ingest(ctx, fx.finding(t, models.DomainSafety, models.KindFallDetected, models.SeverityCritical))
	require.Equal(t, models.DeltaCreated, delta.Kind)
	assert.Equal(t, 2, delta.Alert.EscalationTier)

	intents := fx.sink.intents()
	require.Len(t, intents, 2)
	assert.Equal(t, models.ActionNotifyApp, intents[0].Action)
	assert.Equal(t, models.ActionNotifyCaregiver, intents[1].Action)
}

func TestSeverityIncrease_WhileAcknowledgedResumesEscalation(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	created := fx.engine.Ingest(ctx, fx.finding(t, models.DomainHealth, models.KindHeartRateHigh, models.SeverityWarning))
	require.NoError(t, fx.engine.Acknowledge(ctx, created.Alert.AlertID, "caregiver-1"))

	// 确认后条件恶化：宽限取消，立即回到同梯队升级
	fx.clock.Add(60 * time.Second)
	delta := fx.engine.Ingest(ctx, fx.finding(t, models.DomainHealth, models.KindHeartRateHigh, models.SeverityCritical))
	require.Equal(t, models.DeltaUpdated, delta.Kind)
	assert.Equal(t, models.AlertStatusEscalating, delta.Alert.Status)
	assert.Equal(t, 1, delta.Alert.EscalationTier)
	assert.Contains(t, fx.store.transitionReasons(), models.ReasonConditionRecurred)

	// 宽限计时器已作废，驻留计时器按新起点走
	fx.clock.Add(300 * time.Second)
	active := fx.engine.ActiveAlerts()
	assert.Equal(t, 2, active[0].EscalationTier)
}

func TestResolve_Manual(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	created := fx.engine.Ingest(ctx, fx.finding(t, models.DomainHealth, models.KindHeartRateHigh, models.SeverityWarning))
	alertID := created.Alert.AlertID

	require.NoError(t, fx.engine.Resolve(ctx, alertID, "operator-1", models.ResolutionFalseAlarm))
	assert.Empty(t, fx.engine.ActiveAlerts())

	_, recent := fx.engine.AlertsForSubject("subject-1")
	require.Len(t, recent, 1)
	require.NotNil(t, recent[0].Resolution)
	assert.Equal(t, models.ResolutionFalseAlarm, *recent[0].Resolution)

	err := fx.engine.Resolve(ctx, alertID, "operator-1", "")
	assert.ErrorIs(t, err, models.ErrAlreadyResolved)

	err = fx.engine.Resolve(ctx, uuid.New().String(), "operator-1", "")
	assert.ErrorIs(t, err, models.ErrUnknownAlert)
}

func TestResolve_DispatchedAlertClosedManually(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	created := fx.engine.Ingest(ctx, fx.finding(t, models.DomainSafety, models.KindFallDetected, models.SeverityCritical))
	alertID := created.Alert.AlertID
	fx.clock.Add(600 * time.Second)

	active := fx.engine.ActiveAlerts()
	require.Equal(t, models.AlertStatusDispatched, active[0].Status)

	// dispatched 不被监测数据解除
	delta := fx.engine.Ingest(ctx, fx.resolutionFinding(t, models.DomainSafety, models.KindFallDetected))
	assert.Equal(t, models.DeltaSuppressed, delta.Kind)
	require.Len(t, fx.engine.ActiveAlerts(), 1)

	// 只能人工收尾
	require.NoError(t, fx.engine.Resolve(ctx, alertID, "operator-1", models.ResolutionVerified))
	assert.Empty(t, fx.engine.ActiveAlerts())
}

func TestSweepStale_AutoResolvesQuietAlerts(t *testing.T) {
	cfg := &config.EscalationConfig{
		Default: &config.PolicySpec{
			Tiers: []config.TierSpec{
				{Tier: 1, Action: models.ActionNotifyApp, DwellSeconds: 7200},
				{Tier: 2, Action: models.ActionNotifyCaregiver},
			},
			AckGraceSeconds:  600,
			StalenessSeconds: 3600,
		},
	}
	fx := setupEngine(t, cfg)
	ctx := context.Background()

	fx.engine.Ingest(ctx, fx.finding(t, models.DomainHealth, models.KindHeartRateHigh, models.SeverityWarning))

	// 失活窗口内不回收
	fx.clock.Add(3000 * time.Second)
	assert.Equal(t, 0, fx.engine.SweepStale(ctx))

	fx.clock.Add(700 * time.Second)
	assert.Equal(t, 1, fx.engine.SweepStale(ctx))
	assert.Empty(t, fx.engine.ActiveAlerts())

	_, recent := fx.engine.AlertsForSubject("subject-1")
	require.Len(t, recent, 1)
	assert.Equal(t, models.ResolutionAutoRelieved, *recent[0].Resolution)

	// 有新证据时窗口重新起算
	fx.engine.Ingest(ctx, fx.finding(t, models.DomainHealth, models.KindHeartRateHigh, models.SeverityWarning))
	fx.clock.Add(3000 * time.Second)
	fx.engine.Ingest(ctx, fx.finding(t, models.DomainHealth, models.KindHeartRateHigh, models.SeverityWarning))
	fx.clock.Add(700 * time.Second)
	assert.Equal(t, 0, fx.engine.SweepStale(ctx))
}

func TestRehydrate_RestoresTimersWithoutRedispatch(t *testing.T) {
	fx := setupEngine(t, nil)
	now := fx.clock.Now()

	// 存储中的状态：梯队 2 escalating，驻留已走过 180s，剩 120s
	deadline := now.Add(120 * time.Second)
	alert := &models.Alert{
		AlertID:        uuid.New().String(),
		CorrelationKey: "health:heart_rate_high:subject-1",
		SubjectID:      "subject-1",
		Domain:         models.DomainHealth,
		Kind:           models.KindHeartRateHigh,
		Severity:       models.SeverityWarning,
		Status:         models.AlertStatusEscalating,
		EscalationTier: 2,
		TierEnteredAt:  now.Add(-180 * time.Second),
		TierDeadline:   &deadline,
		FirstSeenAt:    now.Add(-480 * time.Second),
		LastSeenAt:     now.Add(-60 * time.Second),
	}
	fx.store.active = []*models.Alert{alert}
	fx.store.intents[alert.AlertID] = map[int]*models.DispatchIntent{
		1: {IntentID: "intent-t1", AlertID: alert.AlertID, EscalationTier: 1, Action: models.ActionNotifyApp},
		2: {IntentID: "intent-t2", AlertID: alert.AlertID, EscalationTier: 2, Action: models.ActionNotifyCaregiver},
	}

	require.NoError(t, fx.engine.Rehydrate(context.Background()))

	// 恢复本身不派发、不写转换
	assert.Empty(t, fx.sink.intents())
	assert.Empty(t, fx.store.transitions)
	require.Len(t, fx.engine.ActiveAlerts(), 1)
	assert.Equal(t, 1, fx.engine.Stats().PendingTimers)

	// 剩余 120s 走完后推进到终梯队，只发出梯队 3 的新意图
	fx.clock.Add(119 * time.Second)
	assert.Empty(t, fx.sink.intents())
	fx.clock.Add(time.Second)
	intents := fx.sink.intents()
	require.Len(t, intents, 1)
	assert.Equal(t, 3, intents[0].EscalationTier)
	assert.Equal(t, models.ActionNotifyEmergencyServices, intents[0].Action)
}

func TestRehydrate_ExpiredDeadlineCatchesUp(t *testing.T) {
	fx := setupEngine(t, nil)
	now := fx.clock.Now()

	// 宕机期间截止时刻已过：恢复后立即追赶
	deadline := now.Add(-30 * time.Second)
	alert := &models.Alert{
		AlertID:        uuid.New().String(),
		CorrelationKey: "health:glucose_low:subject-1",
		SubjectID:      "subject-1",
		Domain:         models.DomainHealth,
		Kind:           models.KindGlucoseLow,
		Severity:       models.SeverityWarning,
		Status:         models.AlertStatusEscalating,
		EscalationTier: 1,
		TierDeadline:   &deadline,
		FirstSeenAt:    now.Add(-330 * time.Second),
		LastSeenAt:     now.Add(-330 * time.Second),
	}
	fx.store.active = []*models.Alert{alert}
	fx.store.intents[alert.AlertID] = map[int]*models.DispatchIntent{
		1: {IntentID: "intent-t1", AlertID: alert.AlertID, EscalationTier: 1, Action: models.ActionNotifyApp},
	}

	require.NoError(t, fx.engine.Rehydrate(context.Background()))

	fx.clock.Add(time.Millisecond)
	intents := fx.sink.intents()
	require.Len(t, intents, 1)
	assert.Equal(t, 2, intents[0].EscalationTier)

	active := fx.engine.ActiveAlerts()
	assert.Equal(t, 2, active[0].EscalationTier)
}

func TestRehydrate_AcknowledgedAndDispatched(t *testing.T) {
	fx := setupEngine(t, nil)
	now := fx.clock.Now()
	ackBy := "caregiver-1"
	ackAt := now.Add(-100 * time.Second)
	graceDeadline := now.Add(500 * time.Second)

	acked := &models.Alert{
		AlertID:        uuid.New().String(),
		CorrelationKey: "health:heart_rate_high:subject-1",
		SubjectID:      "subject-1",
		Domain:         models.DomainHealth,
		Kind:           models.KindHeartRateHigh,
		Severity:       models.SeverityWarning,
		Status:         models.AlertStatusAcknowledged,
		EscalationTier: 1,
		TierDeadline:   &graceDeadline,
		AckBy:          &ackBy,
		AckAt:          &ackAt,
		FirstSeenAt:    now.Add(-400 * time.Second),
		LastSeenAt:     now.Add(-150 * time.Second),
	}
	dispatched := &models.Alert{
		AlertID:        uuid.New().String(),
		CorrelationKey: "safety:fall_detected:subject-2",
		SubjectID:      "subject-2",
		Domain:         models.DomainSafety,
		Kind:           models.KindFallDetected,
		Severity:       models.SeverityCritical,
		Status:         models.AlertStatusDispatched,
		EscalationTier: 3,
		FirstSeenAt:    now.Add(-900 * time.Second),
		LastSeenAt:     now.Add(-900 * time.Second),
	}
	fx.store.active = []*models.Alert{acked, dispatched}

	require.NoError(t, fx.engine.Rehydrate(context.Background()))

	// acknowledged 恢复宽限计时器，dispatched 不设计时器
	assert.Equal(t, 1, fx.engine.Stats().PendingTimers)
	require.Len(t, fx.engine.ActiveAlerts(), 2)

	// 宽限剩余 500s 走完后恢复升级
	fx.clock.Add(500 * time.Second)
	active, _ := fx.engine.AlertsForSubject("subject-1")
	require.Len(t, active, 1)
	assert.Equal(t, models.AlertStatusEscalating, active[0].Status)
}

func TestStats_Counters(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	fx.engine.Ingest(ctx, fx.finding(t, models.DomainHealth, models.KindHeartRateHigh, models.SeverityWarning))
	fx.engine.Ingest(ctx, fx.finding(t, models.DomainHealth, models.KindHeartRateHigh, models.SeverityWarning))
	fx.engine.Ingest(ctx, fx.finding(t, models.DomainHealth, models.KindGlucoseHigh, models.SeverityInfo))
	fx.engine.Ingest(ctx, fx.resolutionFinding(t, models.DomainHealth, models.KindHeartRateHigh))

	stats := fx.engine.Stats()
	assert.Equal(t, uint64(1), stats.Created)
	assert.Equal(t, uint64(1), stats.Updated)
	assert.Equal(t, uint64(1), stats.Suppressed)
	assert.Equal(t, uint64(1), stats.Resolved)
	assert.Equal(t, 0, stats.ActiveAlerts)
}
