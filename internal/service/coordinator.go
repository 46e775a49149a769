// Package service 组装协调进程：监测域、入队缓冲、聚合引擎与周期维护
package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"carelink-coordinator/internal/aggregator"
	"carelink-coordinator/internal/cache"
	"carelink-coordinator/internal/config"
	"carelink-coordinator/internal/database"
	"carelink-coordinator/internal/escalation"
	"carelink-coordinator/internal/intake"
	"carelink-coordinator/internal/models"
	"carelink-coordinator/internal/monitor"
	"carelink-coordinator/internal/notifier"
	rediscommon "carelink-coordinator/internal/redis"
	"carelink-coordinator/internal/repository"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"
)

// CoordinatorService 照护协调服务（整合各层）
type CoordinatorService struct {
	config      *config.Config
	care        *config.CareConfig
	db          *sql.DB
	redisClient *rediscommon.Client
	logger      *zap.Logger

	// 各层组件
	snapshots *cache.SnapshotStore
	trend     *cache.TrendStore
	alertRepo *repository.AlertRepository
	queue     *intake.Queue
	engine    *aggregator.Engine
	runner    *monitor.Runner

	clock     clock.Clock
	skew      time.Duration
	startedAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinatorService 创建协调服务
func NewCoordinatorService(cfg *config.Config, logger *zap.Logger) (*CoordinatorService, error) {
	// 1. 加载领域配置
	care, err := config.LoadCareConfig(cfg.Care.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load care config: %w", err)
	}

	// 2. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 3. 连接 Redis
	redisClient := rediscommon.NewClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return newCoordinator(cfg, care, db, redisClient, clock.New(), logger), nil
}

// newCoordinator 从已建立的连接组装各层
func newCoordinator(
	cfg *config.Config,
	care *config.CareConfig,
	db *sql.DB,
	redisClient *rediscommon.Client,
	clk clock.Clock,
	logger *zap.Logger,
) *CoordinatorService {
	// 1. 创建存储与缓存层
	alertRepo := repository.NewAlertRepository(db, logger)
	snapshots := cache.NewSnapshotStore(cfg, cache.NewRedisKVStore(redisClient), logger)
	trend := cache.NewTrendStore(cfg, redisClient, logger)

	// 2. 创建升级策略与聚合引擎，意图经 redis stream 交给 dispatcher
	engine := aggregator.New(aggregator.Options{
		Policies:        escalation.NewPolicySet(&care.Escalation),
		Store:           alertRepo,
		Sink:            notifier.NewStreamSink(redisClient, cfg.Stream.IntentStream, logger),
		Cache:           snapshots,
		Trend:           trend,
		Clock:           clk,
		Logger:          logger,
		DispatchTimeout: time.Duration(cfg.Care.DispatchTimeout) * time.Second,
		HistoryLimit:    cfg.Care.HistoryLimit,
	})

	svc := &CoordinatorService{
		config:      cfg,
		care:        care,
		db:          db,
		redisClient: redisClient,
		logger:      logger,
		snapshots:   snapshots,
		trend:       trend,
		alertRepo:   alertRepo,
		queue:       intake.NewQueue(cfg.Care.Intake.QueueCapacity, logger),
		engine:      engine,
		clock:       clk,
		skew:        time.Duration(cfg.Care.Intake.ClockSkewTolerance) * time.Second,
	}

	// 3. 创建监测域，finding 经服务自身（FindingSink）入队
	monitors := []monitor.DomainMonitor{
		monitor.NewHealthMonitor(snapshots, logger),
		monitor.NewSafetyMonitor(snapshots, clk, logger),
		monitor.NewDailyMonitor(snapshots, clk, logger),
	}
	svc.runner = monitor.NewRunner(monitors, care.Subjects,
		svc, time.Duration(cfg.Care.MonitorInterval)*time.Second, clk, logger)

	return svc
}

// Start 启动服务
func (s *CoordinatorService) Start(ctx context.Context) error {
	s.logger.Info("starting care coordinator",
		zap.Int("subjects", len(s.care.Subjects)),
		zap.Int("queue_capacity", s.config.Care.Intake.QueueCapacity),
		zap.Int("monitor_interval_s", s.config.Care.MonitorInterval))

	// 1. 重启恢复：重建活跃报警、重挂计时器，不重复派发
	if err := s.engine.Rehydrate(ctx); err != nil {
		return fmt.Errorf("failed to rehydrate alerts: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startedAt = s.clock.Now()

	// 2. 启动 finding 消费与周期维护
	s.wg.Add(2)
	go s.drainLoop(runCtx)
	go s.sweepLoop(runCtx)

	// 3. 启动监测域
	s.runner.Start(runCtx)

	return nil
}

// Stop 停止服务
func (s *CoordinatorService) Stop() error {
	s.logger.Info("stopping care coordinator")

	// 1. 先停监测域，不再产生新 finding
	if s.runner != nil {
		s.runner.Stop()
	}

	// 2. 停掉消费与维护循环
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	// 3. 关闭连接
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("failed to close database", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("failed to close redis", zap.Error(err))
		}
	}

	return nil
}

// SubmitFinding 校验并入队一条 finding（monitor.FindingSink 实现）。
// 队列满且无法腾位时返回错误，监测域下个周期会重新产出
func (s *CoordinatorService) SubmitFinding(ctx context.Context, f models.Finding) error {
	if err := f.Normalize(s.clock.Now(), s.skew); err != nil {
		return err
	}
	if !s.queue.Offer(f) {
		return fmt.Errorf("intake queue full, finding rejected: %s", f.CorrelationKey)
	}
	return nil
}

// Acknowledge 照护人确认报警
func (s *CoordinatorService) Acknowledge(ctx context.Context, alertID, actor string) error {
	return s.engine.Acknowledge(ctx, alertID, actor)
}

// Resolve 人工解除报警
func (s *CoordinatorService) Resolve(ctx context.Context, alertID, actor, resolution string) error {
	return s.engine.Resolve(ctx, alertID, actor, resolution)
}

// ActiveAlerts 全部活跃报警，按优先级降序
func (s *CoordinatorService) ActiveAlerts() []*models.Alert {
	return s.engine.ActiveAlerts()
}

// AlertsForSubject 某对象的活跃与最近已解除报警
func (s *CoordinatorService) AlertsForSubject(subjectID string) (active, recent []*models.Alert) {
	return s.engine.AlertsForSubject(subjectID)
}

// ServiceStatus 运行状态快照
type ServiceStatus struct {
	UptimeSeconds int64                `json:"uptime_seconds"`
	Engine        aggregator.Stats     `json:"engine"`
	Queue         intake.QueueStats    `json:"queue"`
	Monitors      map[string]time.Time `json:"monitors"`
}

// Status 当前运行状态
func (s *CoordinatorService) Status() ServiceStatus {
	return ServiceStatus{
		UptimeSeconds: int64(s.clock.Now().Sub(s.startedAt) / time.Second),
		Engine:        s.engine.Stats(),
		Queue:         s.queue.Stats(),
		Monitors:      s.runner.Health(),
	}
}

// drainLoop 被入队信号唤醒，把 finding 分批灌入聚合引擎
func (s *CoordinatorService) drainLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.queue.Signal():
			s.drainQueue(ctx)
		}
	}
}

func (s *CoordinatorService) drainQueue(ctx context.Context) {
	for {
		batch := s.queue.DrainBatch(s.config.Care.Intake.BatchSize)
		if len(batch) == 0 {
			return
		}
		for i := range batch {
			s.engine.Ingest(ctx, batch[i])
		}
	}
}

// sweepLoop 周期任务：过期报警自动解除、报警快照保活
func (s *CoordinatorService) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := time.Duration(s.config.Care.SweepInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.engine.SweepStale(ctx); n > 0 {
				s.logger.Info("stale alerts auto-relieved", zap.Int("count", n))
			}
			s.refreshAlertSnapshots(ctx)
		}
	}
}

// refreshAlertSnapshots 重写各对象的报警快照。快照带 TTL，
// 无变化时也要周期续写，否则看板会把静默当成无数据
func (s *CoordinatorService) refreshAlertSnapshots(ctx context.Context) {
	for i := range s.care.Subjects {
		subjectID := s.care.Subjects[i].SubjectID
		active, _ := s.engine.AlertsForSubject(subjectID)
		if err := s.snapshots.WriteAlertSnapshot(ctx, subjectID, active); err != nil {
			s.logger.Warn("alert snapshot refresh failed",
				zap.String("subject_id", subjectID),
				zap.Error(err))
		}
	}
}
