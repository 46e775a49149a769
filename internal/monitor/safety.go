package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"carelink-coordinator/internal/cache"
	"carelink-coordinator/internal/config"
	"carelink-coordinator/internal/models"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"
)

// SafetyMonitor 安全监测域：跌倒检测与房间静默检测。
// 跌倒按冲击强度与姿态恢复情况分级；静默超过房间时限产出 warning，
// 超过两倍时限升为 critical
type SafetyMonitor struct {
	snapshots Snapshots
	clock     clock.Clock
	logger    *zap.Logger

	mu       sync.Mutex
	abnormal map[string]bool
}

// NewSafetyMonitor 创建安全监测域
func NewSafetyMonitor(snapshots Snapshots, clk clock.Clock, logger *zap.Logger) *SafetyMonitor {
	if clk == nil {
		clk = clock.New()
	}
	return &SafetyMonitor{
		snapshots: snapshots,
		clock:     clk,
		logger:    logger,
		abnormal:  make(map[string]bool),
	}
}

func (m *SafetyMonitor) Name() string { return "safety" }

func (m *SafetyMonitor) Domain() models.Domain { return models.DomainSafety }

// Evaluate 评估一个对象的最新活动快照
func (m *SafetyMonitor) Evaluate(ctx context.Context, subject *config.CareContext) []models.Finding {
	activity, err := m.snapshots.ReadActivity(ctx, subject.SubjectID)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			m.logger.Warn("read activity snapshot failed",
				zap.String("subject_id", subject.SubjectID),
				zap.Error(err))
		}
		return nil
	}
	if activity.UpdatedAt == 0 && activity.LastMotionAt == 0 {
		return nil
	}

	now := m.clock.Now()
	var findings []models.Finding

	// 1. 跌倒检测
	fallKey := stateKey(subject.SubjectID, models.KindFallDetected)
	if activity.FallDetected {
		// 高冲击或倒地后未再改变姿态视为 critical
		severity := models.SeverityWarning
		if activity.FallImpact == "high" || !activity.PostureChanged {
			severity = models.SeverityCritical
		}
		detectedAt := now
		if activity.FallAt > 0 {
			detectedAt = time.Unix(activity.FallAt, 0)
		}

		m.mu.Lock()
		m.abnormal[fallKey] = true
		m.mu.Unlock()

		findings = append(findings, models.Finding{
			Domain:     models.DomainSafety,
			SubjectID:  subject.SubjectID,
			Kind:       models.KindFallDetected,
			Severity:   severity,
			DetectedAt: detectedAt,
			Context: map[string]interface{}{
				"room":   activity.Room,
				"impact": activity.FallImpact,
			},
		})
	} else {
		m.mu.Lock()
		wasFall := m.abnormal[fallKey]
		delete(m.abnormal, fallKey)
		m.mu.Unlock()

		if wasFall {
			findings = append(findings, models.Finding{
				Domain:     models.DomainSafety,
				SubjectID:  subject.SubjectID,
				Kind:       models.KindConditionCleared,
				Severity:   models.SeverityInfo,
				DetectedAt: now,
				Context:    map[string]interface{}{models.ContextKeyClearedKind: models.KindFallDetected},
			})
		}
	}

	// 2. 房间静默检测
	if activity.LastMotionAt > 0 {
		inactive := now.Sub(time.Unix(activity.LastMotionAt, 0))
		limit := subject.InactivityLimitFor(activity.Room)
		inactKey := stateKey(subject.SubjectID, models.KindRoomInactivity)

		if limit > 0 && inactive > limit {
			severity := models.SeverityWarning
			if inactive > 2*limit {
				severity = models.SeverityCritical
			}

			m.mu.Lock()
			m.abnormal[inactKey] = true
			m.mu.Unlock()

			findings = append(findings, models.Finding{
				Domain:     models.DomainSafety,
				SubjectID:  subject.SubjectID,
				Kind:       models.KindRoomInactivity,
				Severity:   severity,
				DetectedAt: now,
				Context: map[string]interface{}{
					"room":             activity.Room,
					"inactive_minutes": int(inactive.Minutes()),
					"limit_minutes":    int(limit.Minutes()),
				},
			})
		} else {
			m.mu.Lock()
			wasInactive := m.abnormal[inactKey]
			delete(m.abnormal, inactKey)
			m.mu.Unlock()

			if wasInactive {
				findings = append(findings, models.Finding{
					Domain:     models.DomainSafety,
					SubjectID:  subject.SubjectID,
					Kind:       models.KindConditionCleared,
					Severity:   models.SeverityInfo,
					DetectedAt: now,
					Context:    map[string]interface{}{models.ContextKeyClearedKind: models.KindRoomInactivity},
				})
			}
		}
	}

	return findings
}
