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

// DailyMonitor 日常起居监测域：跟踪每日提醒的完成情况。
// 提醒超过计划时间加允许延迟仍未完成时产出 overdue finding，
// 当天补完成后产出 condition_cleared
type DailyMonitor struct {
	snapshots Snapshots
	clock     clock.Clock
	logger    *zap.Logger

	mu      sync.Mutex
	overdue map[string]string // subjectID:kind → 标记的日期 (2006-01-02)
}

// NewDailyMonitor 创建日常起居监测域
func NewDailyMonitor(snapshots Snapshots, clk clock.Clock, logger *zap.Logger) *DailyMonitor {
	if clk == nil {
		clk = clock.New()
	}
	return &DailyMonitor{
		snapshots: snapshots,
		clock:     clk,
		logger:    logger,
		overdue:   make(map[string]string),
	}
}

func (m *DailyMonitor) Name() string { return "daily_assistant" }

func (m *DailyMonitor) Domain() models.Domain { return models.DomainDailyAssistant }

// Evaluate 评估一个对象当天的提醒完成情况
func (m *DailyMonitor) Evaluate(ctx context.Context, subject *config.CareContext) []models.Finding {
	state, err := m.snapshots.ReadReminders(ctx, subject.SubjectID)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			m.logger.Warn("read reminder snapshot failed",
				zap.String("subject_id", subject.SubjectID),
				zap.Error(err))
			return nil
		}
		// 缓存缺失视为当天尚无完成记录
		state = &models.ReminderState{}
	}

	now := m.clock.Now()
	today := now.Format("2006-01-02")
	var findings []models.Finding

	for i := range subject.Reminders {
		r := &subject.Reminders[i]
		scheduled, err := scheduledAt(r.Time, now)
		if err != nil {
			m.logger.Warn("invalid reminder time",
				zap.String("reminder_id", r.ID),
				zap.String("time", r.Time),
				zap.Error(err))
			continue
		}
		due := scheduled.Add(time.Duration(r.MaxDelayMinutes) * time.Minute)

		kind := models.ReminderKind(r.ID)
		key := stateKey(subject.SubjectID, kind)
		completed := completedOn(state, r.ID, today, now.Location())

		switch {
		case completed:
			m.mu.Lock()
			markedDay := m.overdue[key]
			delete(m.overdue, key)
			m.mu.Unlock()

			// 只有当天已标记过期的提醒补完成才需要解除
			if markedDay == today {
				findings = append(findings, models.Finding{
					Domain:     models.DomainDailyAssistant,
					SubjectID:  subject.SubjectID,
					Kind:       models.KindConditionCleared,
					Severity:   models.SeverityInfo,
					DetectedAt: now,
					Context:    map[string]interface{}{models.ContextKeyClearedKind: kind},
				})
			}
		case now.After(due):
			m.mu.Lock()
			m.overdue[key] = today
			m.mu.Unlock()

			severity := models.SeverityInfo
			if r.Priority == "high" {
				severity = models.SeverityWarning
			}
			findings = append(findings, models.Finding{
				Domain:     models.DomainDailyAssistant,
				SubjectID:  subject.SubjectID,
				Kind:       kind,
				Severity:   severity,
				DetectedAt: now,
				Context: map[string]interface{}{
					"title":    r.Title,
					"due":      r.Time,
					"priority": r.Priority,
				},
			})
		default:
			// 未到期：清掉跨天残留的标记，新的一天重新计
			m.mu.Lock()
			if day, ok := m.overdue[key]; ok && day != today {
				delete(m.overdue, key)
			}
			m.mu.Unlock()
		}
	}

	return findings
}

// scheduledAt 把 "15:04" 形式的提醒时间落到 now 所在日期
func scheduledAt(hhmm string, now time.Time) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location()), nil
}

// completedOn 判断提醒是否在指定日期完成
func completedOn(state *models.ReminderState, reminderID, day string, loc *time.Location) bool {
	if state == nil || state.Completed == nil {
		return false
	}
	ts, ok := state.Completed[reminderID]
	if !ok || ts <= 0 {
		return false
	}
	return time.Unix(ts, 0).In(loc).Format("2006-01-02") == day
}
