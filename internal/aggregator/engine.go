// Package aggregator 实现报警聚合与升级生命周期引擎。
// 同一 correlation_key 的 finding 由条目锁串行合入，不同 key 并行处理；
// 计时器到期回调与外部操作（确认、解除）之间的竞态由转换序号消解
package aggregator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"carelink-coordinator/internal/escalation"
	"carelink-coordinator/internal/models"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store 报警与转换日志的持久化接口
type Store interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	UpdateAlert(ctx context.Context, alertID string, updates map[string]interface{}) error
	RecordTransition(ctx context.Context, transition *models.AlertTransition) error
	ListActiveAlerts(ctx context.Context) ([]*models.Alert, error)
	ListEmittedIntents(ctx context.Context, alertID string) (map[int]*models.DispatchIntent, error)
}

// IntentSink 派发意图出口（生产环境为 redis stream）
type IntentSink interface {
	Dispatch(ctx context.Context, intent *models.DispatchIntent) error
}

// AlertCache 对外报警快照
type AlertCache interface {
	WriteAlertSnapshot(ctx context.Context, subjectID string, alerts []*models.Alert) error
}

// TrendRecorder 低于告警级别的观察值记录
type TrendRecorder interface {
	Append(ctx context.Context, finding *models.Finding) error
}

// Options 引擎依赖与参数。Store/Sink/Cache/Trend 可为 nil（降级运行），
// Clock 为 nil 时使用真实时钟
type Options struct {
	Policies        *escalation.PolicySet
	Store           Store
	Sink            IntentSink
	Cache           AlertCache
	Trend           TrendRecorder
	Clock           clock.Clock
	Logger          *zap.Logger
	DispatchTimeout time.Duration
	HistoryLimit    int
}

// Engine 报警聚合引擎。内存状态是权威，存储失败降级为日志告警
type Engine struct {
	mu     sync.RWMutex
	byKey  map[string]*alertEntry
	byID   map[string]*alertEntry
	recent map[string][]*models.Alert // subject_id → 最近已解除报警，新的在前

	policies *escalation.PolicySet
	timers   *escalation.Timers
	clock    clock.Clock
	store    Store
	sink     IntentSink
	cache    AlertCache
	trend    TrendRecorder
	logger   *zap.Logger

	dispatchTimeout time.Duration
	historyLimit    int

	statCreated          uint64
	statUpdated          uint64
	statSuppressed       uint64
	statDispatched       uint64
	statResolved         uint64
	statTimerRaces       uint64
	statDispatchFailures uint64
	statStoreFailures    uint64
}

// alertEntry 单个活跃报警的内存状态。mu 串行化该 key 上的一切转换
type alertEntry struct {
	mu      sync.Mutex
	alert   *models.Alert
	seq     uint64                         // 转换序号，计时器回调据此识别过期触发
	emitted map[int]*models.DispatchIntent // 梯队 → 首次生成的意图，重放时复用
	removed bool                           // 已解除，等待从索引摘除
}

const (
	defaultDispatchTimeout = 2 * time.Second
	defaultHistoryLimit    = 20
)

// New 创建引擎
func New(opts Options) *Engine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	policies := opts.Policies
	if policies == nil {
		policies = escalation.NewPolicySet(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.DispatchTimeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	historyLimit := opts.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}

	return &Engine{
		byKey:           make(map[string]*alertEntry),
		byID:            make(map[string]*alertEntry),
		recent:          make(map[string][]*models.Alert),
		policies:        policies,
		timers:          escalation.NewTimers(clk),
		clock:           clk,
		store:           opts.Store,
		sink:            opts.Sink,
		cache:           opts.Cache,
		trend:           opts.Trend,
		logger:          logger,
		dispatchTimeout: timeout,
		historyLimit:    historyLimit,
	}
}

// Ingest 将一条已 Normalize 的 finding 合入报警状态。
// 返回本次 ingest 的结果：创建了新报警、更新了已有报警、或被抑制
func (e *Engine) Ingest(ctx context.Context, f models.Finding) models.AlertDelta {
	if f.CorrelationKey == "" {
		e.logger.Warn("finding without correlation key dropped",
			zap.String("domain", string(f.Domain)),
			zap.String("kind", f.Kind))
		atomic.AddUint64(&e.statSuppressed, 1)
		return models.AlertDelta{Kind: models.DeltaSuppressed}
	}

	if f.IsResolution() {
		return e.ingestResolution(ctx, f)
	}

	for {
		e.mu.Lock()
		entry := e.byKey[f.CorrelationKey]
		if entry == nil {
			// 1. 无活跃报警：低于 warning 只记趋势，不建报警
			if f.Severity < models.SeverityWarning {
				e.mu.Unlock()
				if e.trend != nil {
					if err := e.trend.Append(ctx, &f); err != nil {
						e.logger.Warn("trend append failed",
							zap.String("correlation_key", f.CorrelationKey),
							zap.Error(err))
					}
				}
				atomic.AddUint64(&e.statSuppressed, 1)
				return models.AlertDelta{Kind: models.DeltaSuppressed}
			}

			// 2. 建新报警：持有 e.mu 期间先锁住新条目再发布，
			//    慢路径（持久化、首梯队派发、设置计时器）在 e.mu 外完成
			entry = &alertEntry{
				alert:   e.newAlert(f),
				seq:     1,
				emitted: make(map[int]*models.DispatchIntent),
			}
			entry.mu.Lock()
			e.byKey[f.CorrelationKey] = entry
			e.byID[entry.alert.AlertID] = entry
			e.mu.Unlock()

			delta := e.activateLocked(ctx, entry, f)
			subjectID := entry.alert.SubjectID
			entry.mu.Unlock()
			e.refreshSubject(ctx, subjectID)
			return delta
		}
		e.mu.Unlock()

		// 3. 已有报警：合并
		entry.mu.Lock()
		if entry.removed {
			// 刚被解除、尚未摘除的条目，重读索引
			entry.mu.Unlock()
			continue
		}
		delta := e.mergeLocked(ctx, entry, f)
		subjectID := entry.alert.SubjectID
		entry.mu.Unlock()
		e.refreshSubject(ctx, subjectID)
		return delta
	}
}

// newAlert 构建新报警的初始状态（直接进入 escalating 梯队 1）
func (e *Engine) newAlert(f models.Finding) *models.Alert {
	now := e.clock.Now()
	policy := e.policies.For(f.Domain, f.Kind)
	tier1, _ := policy.TierSpec(1)
	deadline := now.Add(tier1.Dwell)

	alert := &models.Alert{
		AlertID:        uuid.New().String(),
		CorrelationKey: f.CorrelationKey,
		SubjectID:      f.SubjectID,
		Domain:         f.Domain,
		Kind:           f.Kind,
		Severity:       f.Severity,
		Priority:       models.ComputePriority(f.Severity, f.Domain, f.DetectedAt, now),
		Status:         models.AlertStatusEscalating,
		EscalationTier: 1,
		TierEnteredAt:  now,
		TierDeadline:   &deadline,
		FirstSeenAt:    f.DetectedAt,
		LastSeenAt:     f.DetectedAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if len(f.Context) > 0 {
		alert.Context = make(map[string]interface{}, len(f.Context))
		for k, v := range f.Context {
			alert.Context[k] = v
		}
	}
	return alert
}

// activateLocked 完成新报警的落库、首梯队派发与计时器设置。
// critical 且策略允许跳级时，创建后立即推进一级。调用方持有 entry.mu
func (e *Engine) activateLocked(ctx context.Context, entry *alertEntry, f models.Finding) models.AlertDelta {
	alert := entry.alert
	policy := e.policies.For(alert.Domain, alert.Kind)
	tier1, _ := policy.TierSpec(1)

	if e.store != nil {
		if err := e.store.CreateAlert(ctx, alert); err != nil {
			atomic.AddUint64(&e.statStoreFailures, 1)
			e.logger.Error("alert create persist failed",
				zap.String("alert_id", alert.AlertID),
				zap.Error(err))
		}
	}

	intent := e.emitIntentLocked(ctx, entry, 1)
	e.recordTransition(ctx, entry, models.AlertStatusOpen, models.AlertStatusEscalating, models.ReasonCreated, intent)
	e.timers.Arm(alert.AlertID, entry.seq, tier1.Dwell, e.onDwellExpiry)

	atomic.AddUint64(&e.statCreated, 1)
	e.logger.Info("alert created",
		zap.String("alert_id", alert.AlertID),
		zap.String("correlation_key", alert.CorrelationKey),
		zap.String("severity", alert.Severity.String()),
		zap.Int("priority", alert.Priority))

	if f.Severity == models.SeverityCritical && policy.JumpOnCritical {
		e.advanceTierLocked(ctx, entry, models.ReasonSeverityJump)
	}

	return models.AlertDelta{Kind: models.DeltaCreated, Alert: alert.Clone()}
}

// mergeLocked 将 finding 并入已有报警：severity 取最大值，last_seen_at 只增不减，
// context 浅合并，优先级重算。严重级别升高时按状态触发升级副作用。
// 调用方持有 entry.mu
func (e *Engine) mergeLocked(ctx context.Context, entry *alertEntry, f models.Finding) models.AlertDelta {
	alert := entry.alert
	now := e.clock.Now()
	prevSeverity := alert.Severity

	if f.Severity > alert.Severity {
		alert.Severity = f.Severity
	}
	if f.DetectedAt.After(alert.LastSeenAt) {
		alert.LastSeenAt = f.DetectedAt
	}
	if len(f.Context) > 0 {
		if alert.Context == nil {
			alert.Context = make(map[string]interface{}, len(f.Context))
		}
		for k, v := range f.Context {
			alert.Context[k] = v
		}
	}
	alert.Priority = models.ComputePriority(alert.Severity, alert.Domain, alert.FirstSeenAt, now)
	alert.UpdatedAt = now

	e.persistUpdates(ctx, alert.AlertID, map[string]interface{}{
		"severity":     alert.Severity.String(),
		"priority":     alert.Priority,
		"last_seen_at": alert.LastSeenAt,
		"context":      alert.Context,
	})

	// 严重级别升高的升级副作用。dispatched 为终态，只做账面合并
	if alert.Severity > prevSeverity {
		policy := e.policies.For(alert.Domain, alert.Kind)
		switch alert.Status {
		case models.AlertStatusEscalating:
			if alert.Severity == models.SeverityCritical && policy.JumpOnCritical {
				e.advanceTierLocked(ctx, entry, models.ReasonSeverityJump)
			} else {
				e.shortenDwellLocked(entry)
			}
		case models.AlertStatusAcknowledged:
			// 确认后恶化：取消宽限，立即回到同梯队继续升级
			e.resumeEscalationLocked(ctx, entry, models.ReasonConditionRecurred)
		}
	}

	atomic.AddUint64(&e.statUpdated, 1)
	e.logger.Debug("alert updated",
		zap.String("alert_id", alert.AlertID),
		zap.String("severity", alert.Severity.String()),
		zap.Time("last_seen_at", alert.LastSeenAt))

	return models.AlertDelta{Kind: models.DeltaUpdated, Alert: alert.Clone()}
}

// ingestResolution 处理 condition_cleared：解除匹配的活跃报警。
// 无匹配时静默抑制；dispatched 报警已通知急救方，不被监测数据自动解除
func (e *Engine) ingestResolution(ctx context.Context, f models.Finding) models.AlertDelta {
	e.mu.RLock()
	entry := e.byKey[f.CorrelationKey]
	e.mu.RUnlock()

	if entry == nil {
		atomic.AddUint64(&e.statSuppressed, 1)
		return models.AlertDelta{Kind: models.DeltaSuppressed}
	}

	entry.mu.Lock()
	if entry.removed {
		entry.mu.Unlock()
		atomic.AddUint64(&e.statSuppressed, 1)
		return models.AlertDelta{Kind: models.DeltaSuppressed}
	}
	if entry.alert.Status == models.AlertStatusDispatched {
		alertID := entry.alert.AlertID
		entry.mu.Unlock()
		e.logger.Info("resolution finding ignored for dispatched alert",
			zap.String("alert_id", alertID),
			zap.String("correlation_key", f.CorrelationKey))
		atomic.AddUint64(&e.statSuppressed, 1)
		return models.AlertDelta{Kind: models.DeltaSuppressed}
	}

	delta := e.resolveEntryLocked(ctx, entry, models.ResolutionConditionCleared, models.ReasonResolutionFinding)
	subjectID := entry.alert.SubjectID
	entry.mu.Unlock()

	e.detach(entry)
	e.refreshSubject(ctx, subjectID)
	return delta
}
