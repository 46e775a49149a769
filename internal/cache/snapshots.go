package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"carelink-coordinator/internal/config"
	"carelink-coordinator/internal/models"

	"go.uber.org/zap"
)

// SnapshotStore 按 subject 读写 Redis 快照。
// 生命体征/活动/提醒快照由外部采集链路写入，monitor 只读；
// 报警快照由协调引擎写入，dashboard 只读
type SnapshotStore struct {
	cfg    *config.Config
	kv     KVStore
	logger *zap.Logger
}

// NewSnapshotStore 创建快照存储
func NewSnapshotStore(cfg *config.Config, kv KVStore, logger *zap.Logger) *SnapshotStore {
	return &SnapshotStore{
		cfg:    cfg,
		kv:     kv,
		logger: logger,
	}
}

func (s *SnapshotStore) subjectKey(subjectID, suffix string) string {
	return fmt.Sprintf("%s%s%s", s.cfg.Care.Cache.SubjectKeyPrefix, subjectID, suffix)
}

// ReadVitals 读取最近一次生命体征快照。无数据时返回 ErrCacheMiss
func (s *SnapshotStore) ReadVitals(ctx context.Context, subjectID string) (*models.VitalSigns, error) {
	var vitals models.VitalSigns
	key := s.subjectKey(subjectID, s.cfg.Care.Cache.VitalsSuffix)
	if err := s.readJSON(ctx, key, &vitals); err != nil {
		return nil, err
	}
	return &vitals, nil
}

// ReadActivity 读取活动与安全快照
func (s *SnapshotStore) ReadActivity(ctx context.Context, subjectID string) (*models.ActivityState, error) {
	var activity models.ActivityState
	key := s.subjectKey(subjectID, s.cfg.Care.Cache.ActivitySuffix)
	if err := s.readJSON(ctx, key, &activity); err != nil {
		return nil, err
	}
	return &activity, nil
}

// ReadReminders 读取提醒完成状态
func (s *SnapshotStore) ReadReminders(ctx context.Context, subjectID string) (*models.ReminderState, error) {
	var state models.ReminderState
	key := s.subjectKey(subjectID, s.cfg.Care.Cache.RemindersSuffix)
	if err := s.readJSON(ctx, key, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// WriteVitals 写入生命体征快照（采集链路与测试使用）
func (s *SnapshotStore) WriteVitals(ctx context.Context, subjectID string, vitals *models.VitalSigns) error {
	return s.writeJSON(ctx, s.subjectKey(subjectID, s.cfg.Care.Cache.VitalsSuffix), vitals, 0)
}

// WriteActivity 写入活动快照
func (s *SnapshotStore) WriteActivity(ctx context.Context, subjectID string, activity *models.ActivityState) error {
	return s.writeJSON(ctx, s.subjectKey(subjectID, s.cfg.Care.Cache.ActivitySuffix), activity, 0)
}

// WriteReminders 写入提醒完成状态
func (s *SnapshotStore) WriteReminders(ctx context.Context, subjectID string, state *models.ReminderState) error {
	return s.writeJSON(ctx, s.subjectKey(subjectID, s.cfg.Care.Cache.RemindersSuffix), state, 0)
}

// WriteAlertSnapshot 写入报警快照（dashboard 读取，带 TTL，
// 引擎在每次状态变化和周期扫描时刷新）
func (s *SnapshotStore) WriteAlertSnapshot(ctx context.Context, subjectID string, alerts []*models.Alert) error {
	key := s.subjectKey(subjectID, s.cfg.Care.Cache.AlertsSuffix)
	ttl := time.Duration(s.cfg.Care.Cache.AlertTTL) * time.Second
	if err := s.writeJSON(ctx, key, alerts, ttl); err != nil {
		return fmt.Errorf("failed to set alert snapshot: %w", err)
	}

	s.logger.Debug("Updated alert snapshot",
		zap.String("subject_id", subjectID),
		zap.String("key", key),
		zap.Int("alert_count", len(alerts)),
	)

	return nil
}

func (s *SnapshotStore) readJSON(ctx context.Context, key string, out interface{}) error {
	val, err := s.kv.Get(ctx, key)
	if err != nil {
		if err == ErrCacheMiss {
			return ErrCacheMiss
		}
		return fmt.Errorf("failed to get cache %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return fmt.Errorf("failed to unmarshal cache %s: %w", key, err)
	}
	return nil
}

func (s *SnapshotStore) writeJSON(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal cache %s: %w", key, err)
	}
	return s.kv.Set(ctx, key, string(jsonData), ttl)
}
