// Package monitor 实现三个监测域：健康体征、活动安全、日常起居提醒。
// 每个域按固定周期从 Redis 快照读取最新数据，对照 per-subject 配置
// 评估出 finding 并提交给聚合器
package monitor

import (
	"context"
	"sync"
	"time"

	"carelink-coordinator/internal/config"
	"carelink-coordinator/internal/models"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"
)

// Snapshots 监测域读取的快照接口（由 cache.SnapshotStore 提供）
type Snapshots interface {
	ReadVitals(ctx context.Context, subjectID string) (*models.VitalSigns, error)
	ReadActivity(ctx context.Context, subjectID string) (*models.ActivityState, error)
	ReadReminders(ctx context.Context, subjectID string) (*models.ReminderState, error)
}

// FindingSink finding 提交入口（由协调服务提供）
type FindingSink interface {
	SubmitFinding(ctx context.Context, f models.Finding) error
}

// DomainMonitor 单个监测域。Evaluate 对一个对象做一轮评估，
// 实现内部维护越界状态以便在恢复正常时产出 condition_cleared
type DomainMonitor interface {
	Name() string
	Domain() models.Domain
	Evaluate(ctx context.Context, subject *config.CareContext) []models.Finding
}

// Runner 驱动各监测域的周期评估，每个域一个 goroutine
type Runner struct {
	monitors []DomainMonitor
	subjects []config.CareContext
	sink     FindingSink
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	lastRun map[string]time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRunner 创建监测调度器
func NewRunner(monitors []DomainMonitor, subjects []config.CareContext, sink FindingSink, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Runner {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{
		monitors: monitors,
		subjects: subjects,
		sink:     sink,
		interval: interval,
		clock:    clk,
		logger:   logger,
		lastRun:  make(map[string]time.Time),
	}
}

// Start 启动全部监测域。每个域先立即执行一轮，再进入周期评估
func (r *Runner) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for _, m := range r.monitors {
		r.wg.Add(1)
		go r.runMonitor(runCtx, m)
	}
	r.logger.Info("domain monitors started",
		zap.Int("monitors", len(r.monitors)),
		zap.Int("subjects", len(r.subjects)),
		zap.Duration("interval", r.interval))
}

// Stop 停止全部监测域并等待退出
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("domain monitors stopped")
}

// Health 各监测域最近一次完成评估的时间
func (r *Runner) Health() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Time, len(r.lastRun))
	for name, ts := range r.lastRun {
		out[name] = ts
	}
	return out
}

func (r *Runner) runMonitor(ctx context.Context, m DomainMonitor) {
	defer r.wg.Done()

	// 周期从启动时刻起算，首轮评估不推迟下一次 tick
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	r.runOnce(ctx, m)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, m)
		}
	}
}

// runOnce 对所有对象执行一轮评估并提交产出的 finding
func (r *Runner) runOnce(ctx context.Context, m DomainMonitor) {
	for i := range r.subjects {
		subject := &r.subjects[i]
		findings := m.Evaluate(ctx, subject)
		for _, f := range findings {
			if err := r.sink.SubmitFinding(ctx, f); err != nil {
				r.logger.Warn("finding submit failed",
					zap.String("monitor", m.Name()),
					zap.String("subject_id", subject.SubjectID),
					zap.String("kind", f.Kind),
					zap.Error(err))
			}
		}
		if len(findings) > 0 {
			r.logger.Debug("monitor produced findings",
				zap.String("monitor", m.Name()),
				zap.String("subject_id", subject.SubjectID),
				zap.Int("count", len(findings)))
		}
	}

	r.mu.Lock()
	r.lastRun[m.Name()] = r.clock.Now()
	r.mu.Unlock()
}
