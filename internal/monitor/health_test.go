package monitor

import (
	"context"
	"testing"
	"time"

	"carelink-coordinator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealthMonitor_NoSnapshotNoFindings(t *testing.T) {
	snaps := newFakeSnapshots()
	m := NewHealthMonitor(snaps, zap.NewNop())
	subject := testSubject()

	assert.Empty(t, m.Evaluate(context.Background(), &subject))
}

func TestHealthMonitor_NormalVitalsNoFindings(t *testing.T) {
	snaps := newFakeSnapshots()
	m := NewHealthMonitor(snaps, zap.NewNop())
	subject := testSubject()

	snaps.setVitals("subject-1", &models.VitalSigns{
		HeartRate:  intPtr(72),
		Systolic:   intPtr(118),
		Diastolic:  intPtr(76),
		Glucose:    floatPtr(95),
		Oxygen:     intPtr(97),
		MeasuredAt: 1700000000,
	})

	assert.Empty(t, m.Evaluate(context.Background(), &subject))
}

func TestHealthMonitor_ThresholdBands(t *testing.T) {
	tests := []struct {
		name     string
		vitals   *models.VitalSigns
		kind     string
		severity models.Severity
		value    string
	}{
		{"heart rate above normal", &models.VitalSigns{HeartRate: intPtr(112)}, models.KindHeartRateHigh, models.SeverityWarning, "112"},
		{"heart rate critical high", &models.VitalSigns{HeartRate: intPtr(120)}, models.KindHeartRateHigh, models.SeverityCritical, "120"},
		{"heart rate below normal", &models.VitalSigns{HeartRate: intPtr(55)}, models.KindHeartRateLow, models.SeverityWarning, "55"},
		{"heart rate critical low", &models.VitalSigns{HeartRate: intPtr(50)}, models.KindHeartRateLow, models.SeverityCritical, "50"},
		{"systolic above normal", &models.VitalSigns{Systolic: intPtr(150)}, models.KindBloodPressureSystolicHigh, models.SeverityWarning, "150"},
		{"systolic critical high", &models.VitalSigns{Systolic: intPtr(185)}, models.KindBloodPressureSystolicHigh, models.SeverityCritical, "185"},
		{"systolic below normal", &models.VitalSigns{Systolic: intPtr(85)}, models.KindBloodPressureSystolicLow, models.SeverityWarning, "85"},
		{"diastolic below normal", &models.VitalSigns{Diastolic: intPtr(55)}, models.KindBloodPressureDiastolicLow, models.SeverityWarning, "55"},
		{"diastolic critical high", &models.VitalSigns{Diastolic: intPtr(125)}, models.KindBloodPressureDiastolicHigh, models.SeverityCritical, "125"},
		{"glucose critical low", &models.VitalSigns{Glucose: floatPtr(52)}, models.KindGlucoseLow, models.SeverityCritical, "52.0"},
		{"glucose above normal", &models.VitalSigns{Glucose: floatPtr(200)}, models.KindGlucoseHigh, models.SeverityWarning, "200.0"},
		{"glucose critical high", &models.VitalSigns{Glucose: floatPtr(260)}, models.KindGlucoseHigh, models.SeverityCritical, "260.0"},
		{"oxygen below normal", &models.VitalSigns{Oxygen: intPtr(90)}, models.KindOxygenLow, models.SeverityWarning, "90"},
		{"oxygen critical low", &models.VitalSigns{Oxygen: intPtr(86)}, models.KindOxygenLow, models.SeverityCritical, "86"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snaps := newFakeSnapshots()
			m := NewHealthMonitor(snaps, zap.NewNop())
			subject := testSubject()

			tt.vitals.MeasuredAt = 1700000000
			snaps.setVitals("subject-1", tt.vitals)

			findings := m.Evaluate(context.Background(), &subject)
			require.Len(t, findings, 1)
			f := findings[0]
			assert.Equal(t, models.DomainHealth, f.Domain)
			assert.Equal(t, "subject-1", f.SubjectID)
			assert.Equal(t, tt.kind, f.Kind)
			assert.Equal(t, tt.severity, f.Severity)
			assert.Equal(t, tt.value, f.Context["value"])
			assert.NotEmpty(t, f.Context["unit"])
			assert.NotEmpty(t, f.Context["range"])
			assert.Equal(t, time.Unix(1700000000, 0), f.DetectedAt)
		})
	}
}

func TestHealthMonitor_AbnormalRepeatsEveryRound(t *testing.T) {
	snaps := newFakeSnapshots()
	m := NewHealthMonitor(snaps, zap.NewNop())
	subject := testSubject()

	snaps.setVitals("subject-1", &models.VitalSigns{HeartRate: intPtr(130), MeasuredAt: 1700000000})
	require.Len(t, m.Evaluate(context.Background(), &subject), 1)

	// 持续越界每轮都产出，作为报警仍然活跃的证据
	snaps.setVitals("subject-1", &models.VitalSigns{HeartRate: intPtr(132), MeasuredAt: 1700000060})
	findings := m.Evaluate(context.Background(), &subject)
	require.Len(t, findings, 1)
	assert.Equal(t, models.KindHeartRateHigh, findings[0].Kind)
}

func TestHealthMonitor_ClearedAfterRecovery(t *testing.T) {
	snaps := newFakeSnapshots()
	m := NewHealthMonitor(snaps, zap.NewNop())
	subject := testSubject()

	snaps.setVitals("subject-1", &models.VitalSigns{HeartRate: intPtr(130), MeasuredAt: 1700000000})
	require.Len(t, m.Evaluate(context.Background(), &subject), 1)

	snaps.setVitals("subject-1", &models.VitalSigns{HeartRate: intPtr(82), MeasuredAt: 1700000300})
	findings := m.Evaluate(context.Background(), &subject)
	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, models.KindConditionCleared, f.Kind)
	assert.Equal(t, models.SeverityInfo, f.Severity)
	assert.Equal(t, models.KindHeartRateHigh, f.Context[models.ContextKeyClearedKind])
	assert.Equal(t, time.Unix(1700000300, 0), f.DetectedAt)

	// 标记已清除，继续正常不再产出
	assert.Empty(t, m.Evaluate(context.Background(), &subject))
}

func TestHealthMonitor_OppositeBoundDoesNotClearUnmeasured(t *testing.T) {
	snaps := newFakeSnapshots()
	m := NewHealthMonitor(snaps, zap.NewNop())
	subject := testSubject()

	// 血氧越界后只上报心率：血氧无新测量，越界标记保持
	snaps.setVitals("subject-1", &models.VitalSigns{Oxygen: intPtr(86), MeasuredAt: 1700000000})
	require.Len(t, m.Evaluate(context.Background(), &subject), 1)

	snaps.setVitals("subject-1", &models.VitalSigns{HeartRate: intPtr(75), MeasuredAt: 1700000060})
	assert.Empty(t, m.Evaluate(context.Background(), &subject))

	// 血氧恢复测量且正常，此时才解除
	snaps.setVitals("subject-1", &models.VitalSigns{Oxygen: intPtr(95), MeasuredAt: 1700000120})
	findings := m.Evaluate(context.Background(), &subject)
	require.Len(t, findings, 1)
	assert.Equal(t, models.KindConditionCleared, findings[0].Kind)
	assert.Equal(t, models.KindOxygenLow, findings[0].Context[models.ContextKeyClearedKind])
}

func TestHealthMonitor_ReadErrorSkipsRound(t *testing.T) {
	snaps := newFakeSnapshots()
	snaps.readErr = assert.AnError
	m := NewHealthMonitor(snaps, zap.NewNop())
	subject := testSubject()

	assert.Empty(t, m.Evaluate(context.Background(), &subject))
}
