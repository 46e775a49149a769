package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"carelink-coordinator/internal/cache"
	"carelink-coordinator/internal/config"
	"carelink-coordinator/internal/models"

	"go.uber.org/zap"
)

// HealthMonitor 健康监测域：对照阈值评估生命体征快照。
// 普通越界产出 warning，critical 区间产出 critical；
// 越界恢复正常时产出 condition_cleared
type HealthMonitor struct {
	snapshots Snapshots
	logger    *zap.Logger

	mu       sync.Mutex
	abnormal map[string]bool // subjectID:kind → 上一轮是否越界
}

// NewHealthMonitor 创建健康监测域
func NewHealthMonitor(snapshots Snapshots, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		snapshots: snapshots,
		logger:    logger,
		abnormal:  make(map[string]bool),
	}
}

func (m *HealthMonitor) Name() string { return "health" }

func (m *HealthMonitor) Domain() models.Domain { return models.DomainHealth }

// Evaluate 评估一个对象的最新生命体征
func (m *HealthMonitor) Evaluate(ctx context.Context, subject *config.CareContext) []models.Finding {
	vitals, err := m.snapshots.ReadVitals(ctx, subject.SubjectID)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			m.logger.Warn("read vitals snapshot failed",
				zap.String("subject_id", subject.SubjectID),
				zap.Error(err))
		}
		return nil
	}

	var detectedAt time.Time
	if vitals.MeasuredAt > 0 {
		detectedAt = time.Unix(vitals.MeasuredAt, 0)
	}

	checks, normal := classifyVitals(&subject.Vitals, vitals)

	var findings []models.Finding
	for _, c := range checks {
		key := stateKey(subject.SubjectID, c.kind)
		m.mu.Lock()
		m.abnormal[key] = true
		m.mu.Unlock()

		findings = append(findings, models.Finding{
			Domain:     models.DomainHealth,
			SubjectID:  subject.SubjectID,
			Kind:       c.kind,
			Severity:   c.severity,
			DetectedAt: detectedAt,
			Context: map[string]interface{}{
				"value": c.value,
				"unit":  c.unit,
				"range": c.normalRange,
			},
		})
	}

	// 测量值回到正常区间：对仍标记越界的 kind 产出解除 finding
	for _, kind := range normal {
		key := stateKey(subject.SubjectID, kind)
		m.mu.Lock()
		was := m.abnormal[key]
		delete(m.abnormal, key)
		m.mu.Unlock()

		if was {
			findings = append(findings, models.Finding{
				Domain:     models.DomainHealth,
				SubjectID:  subject.SubjectID,
				Kind:       models.KindConditionCleared,
				Severity:   models.SeverityInfo,
				DetectedAt: detectedAt,
				Context:    map[string]interface{}{models.ContextKeyClearedKind: kind},
			})
		}
	}

	return findings
}

type vitalCheck struct {
	kind        string
	severity    models.Severity
	value       string
	unit        string
	normalRange string
}

// classifyVitals 对照阈值分类本轮测量值。
// 只评估有测量的项；高值同时确认低侧正常，反之亦然
func classifyVitals(t *config.VitalThresholds, v *models.VitalSigns) (checks []vitalCheck, normal []string) {
	if v.HeartRate != nil {
		hr := *v.HeartRate
		rng := fmt.Sprintf("%d-%d", t.HeartRateMin, t.HeartRateMax)
		switch {
		case hr <= t.HeartRateCriticalMin:
			checks = append(checks, vitalCheck{models.KindHeartRateLow, models.SeverityCritical, strconv.Itoa(hr), "bpm", rng})
			normal = append(normal, models.KindHeartRateHigh)
		case hr < t.HeartRateMin:
			checks = append(checks, vitalCheck{models.KindHeartRateLow, models.SeverityWarning, strconv.Itoa(hr), "bpm", rng})
			normal = append(normal, models.KindHeartRateHigh)
		case hr >= t.HeartRateCriticalMax:
			checks = append(checks, vitalCheck{models.KindHeartRateHigh, models.SeverityCritical, strconv.Itoa(hr), "bpm", rng})
			normal = append(normal, models.KindHeartRateLow)
		case hr > t.HeartRateMax:
			checks = append(checks, vitalCheck{models.KindHeartRateHigh, models.SeverityWarning, strconv.Itoa(hr), "bpm", rng})
			normal = append(normal, models.KindHeartRateLow)
		default:
			normal = append(normal, models.KindHeartRateLow, models.KindHeartRateHigh)
		}
	}

	if v.Systolic != nil {
		s := *v.Systolic
		rng := fmt.Sprintf("%d-%d", t.SystolicMin, t.SystolicMax)
		switch {
		case s < t.SystolicMin:
			checks = append(checks, vitalCheck{models.KindBloodPressureSystolicLow, models.SeverityWarning, strconv.Itoa(s), "mmHg", rng})
			normal = append(normal, models.KindBloodPressureSystolicHigh)
		case s >= t.SystolicCriticalMax:
			checks = append(checks, vitalCheck{models.KindBloodPressureSystolicHigh, models.SeverityCritical, strconv.Itoa(s), "mmHg", rng})
			normal = append(normal, models.KindBloodPressureSystolicLow)
		case s > t.SystolicMax:
			checks = append(checks, vitalCheck{models.KindBloodPressureSystolicHigh, models.SeverityWarning, strconv.Itoa(s), "mmHg", rng})
			normal = append(normal, models.KindBloodPressureSystolicLow)
		default:
			normal = append(normal, models.KindBloodPressureSystolicLow, models.KindBloodPressureSystolicHigh)
		}
	}

	if v.Diastolic != nil {
		d := *v.Diastolic
		rng := fmt.Sprintf("%d-%d", t.DiastolicMin, t.DiastolicMax)
		switch {
		case d < t.DiastolicMin:
			checks = append(checks, vitalCheck{models.KindBloodPressureDiastolicLow, models.SeverityWarning, strconv.Itoa(d), "mmHg", rng})
			normal = append(normal, models.KindBloodPressureDiastolicHigh)
		case d >= t.DiastolicCriticalMax:
			checks = append(checks, vitalCheck{models.KindBloodPressureDiastolicHigh, models.SeverityCritical, strconv.Itoa(d), "mmHg", rng})
			normal = append(normal, models.KindBloodPressureDiastolicLow)
		case d > t.DiastolicMax:
			checks = append(checks, vitalCheck{models.KindBloodPressureDiastolicHigh, models.SeverityWarning, strconv.Itoa(d), "mmHg", rng})
			normal = append(normal, models.KindBloodPressureDiastolicLow)
		default:
			normal = append(normal, models.KindBloodPressureDiastolicLow, models.KindBloodPressureDiastolicHigh)
		}
	}

	if v.Glucose != nil {
		g := *v.Glucose
		rng := fmt.Sprintf("%.0f-%.0f", t.GlucoseMin, t.GlucoseMax)
		switch {
		case g <= t.GlucoseCriticalMin:
			checks = append(checks, vitalCheck{models.KindGlucoseLow, models.SeverityCritical, fmt.Sprintf("%.1f", g), "mg/dL", rng})
			normal = append(normal, models.KindGlucoseHigh)
		case g < t.GlucoseMin:
			checks = append(checks, vitalCheck{models.KindGlucoseLow, models.SeverityWarning, fmt.Sprintf("%.1f", g), "mg/dL", rng})
			normal = append(normal, models.KindGlucoseHigh)
		case g >= t.GlucoseCriticalMax:
			checks = append(checks, vitalCheck{models.KindGlucoseHigh, models.SeverityCritical, fmt.Sprintf("%.1f", g), "mg/dL", rng})
			normal = append(normal, models.KindGlucoseLow)
		case g > t.GlucoseMax:
			checks = append(checks, vitalCheck{models.KindGlucoseHigh, models.SeverityWarning, fmt.Sprintf("%.1f", g), "mg/dL", rng})
			normal = append(normal, models.KindGlucoseLow)
		default:
			normal = append(normal, models.KindGlucoseLow, models.KindGlucoseHigh)
		}
	}

	if v.Oxygen != nil {
		o := *v.Oxygen
		rng := fmt.Sprintf(">=%d", t.OxygenMin)
		switch {
		case o <= t.OxygenCriticalMin:
			checks = append(checks, vitalCheck{models.KindOxygenLow, models.SeverityCritical, strconv.Itoa(o), "%", rng})
		case o < t.OxygenMin:
			checks = append(checks, vitalCheck{models.KindOxygenLow, models.SeverityWarning, strconv.Itoa(o), "%", rng})
		default:
			normal = append(normal, models.KindOxygenLow)
		}
	}

	return checks, normal
}

func stateKey(subjectID, kind string) string {
	return subjectID + ":" + kind
}
