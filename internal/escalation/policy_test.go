package escalation

import (
	"testing"
	"time"

	"carelink-coordinator/internal/config"
	"carelink-coordinator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPolicySet_NilConfigUsesDefaults(t *testing.T) {
	ps := NewPolicySet(nil)

	p := ps.Default()
	require.Len(t, p.Tiers, 3)
	assert.Equal(t, models.ActionNotifyApp, p.Tiers[0].Action)
	assert.Equal(t, models.ActionNotifyCaregiver, p.Tiers[1].Action)
	assert.Equal(t, models.ActionNotifyEmergencyServices, p.Tiers[2].Action)
	assert.Equal(t, time.Duration(config.DefaultTierDwellSeconds)*time.Second, p.Tiers[0].Dwell)
	assert.Equal(t, time.Duration(config.DefaultAckGraceSeconds)*time.Second, p.AckGrace)
	assert.False(t, p.JumpOnCritical)
}

func TestPolicySet_KindOverridesDomain(t *testing.T) {
	cfg := &config.EscalationConfig{
		Domains: map[string]*config.PolicySpec{
			"safety": {JumpOnCritical: true},
		},
		Kinds: map[string]*config.PolicySpec{
			models.KindFallDetected: {
				Tiers: []config.TierSpec{
					{Tier: 1, Action: models.ActionNotifyCaregiver, DwellSeconds: 60},
					{Tier: 2, Action: models.ActionNotifyEmergencyServices},
				},
				AckGraceSeconds: 120,
			},
		},
	}

	ps := NewPolicySet(cfg)

	// kind 级策略优先于 domain 级
	p := ps.For(models.DomainSafety, models.KindFallDetected)
	require.Len(t, p.Tiers, 2)
	assert.Equal(t, models.ActionNotifyCaregiver, p.Tiers[0].Action)
	assert.Equal(t, 60*time.Second, p.Tiers[0].Dwell)
	assert.Equal(t, 120*time.Second, p.AckGrace)

	// 同 domain 其他 kind 落在 domain 级策略
	p = ps.For(models.DomainSafety, models.KindRoomInactivity)
	assert.True(t, p.JumpOnCritical)
	require.Len(t, p.Tiers, 3)

	// 未配置的 domain 落回默认
	p = ps.For(models.DomainHealth, models.KindHeartRateHigh)
	assert.False(t, p.JumpOnCritical)
	assert.Same(t, ps.Default(), p)
}

func TestPolicySet_OverrideInheritsDefaults(t *testing.T) {
	cfg := &config.EscalationConfig{
		Default: &config.PolicySpec{
			Tiers: []config.TierSpec{
				{Tier: 1, Action: models.ActionNotifyApp, DwellSeconds: 100},
				{Tier: 2, Action: models.ActionNotifyCaregiver},
			},
			AckGraceSeconds: 300,
		},
		Domains: map[string]*config.PolicySpec{
			// 只改 staleness，梯队表与确认宽限继承默认
			"daily_assistant": {StalenessSeconds: 3600},
		},
	}

	ps := NewPolicySet(cfg)

	p := ps.For(models.DomainDailyAssistant, "reminder_overdue_morning_medication")
	require.Len(t, p.Tiers, 2)
	assert.Equal(t, 100*time.Second, p.Tiers[0].Dwell)
	assert.Equal(t, 300*time.Second, p.AckGrace)
	assert.Equal(t, time.Hour, p.Staleness)

	// 默认策略本身不设失活超时
	assert.Equal(t, time.Duration(0), ps.Default().Staleness)
}

func TestPolicy_TierSpec(t *testing.T) {
	p := NewPolicySet(nil).Default()

	tier, ok := p.TierSpec(2)
	require.True(t, ok)
	assert.Equal(t, 2, tier.Tier)
	assert.Equal(t, models.ActionNotifyCaregiver, tier.Action)

	_, ok = p.TierSpec(0)
	assert.False(t, ok)
	_, ok = p.TierSpec(4)
	assert.False(t, ok)
}

func TestPolicy_TimeToTerminal(t *testing.T) {
	cfg := &config.EscalationConfig{
		Default: &config.PolicySpec{
			Tiers: []config.TierSpec{
				{Tier: 1, Action: models.ActionNotifyApp, DwellSeconds: 120},
				{Tier: 2, Action: models.ActionNotifyCaregiver, DwellSeconds: 180},
				{Tier: 3, Action: models.ActionNotifyEmergencyServices},
			},
		},
	}

	p := NewPolicySet(cfg).Default()

	// 终梯队无驻留，总时长为非终梯队驻留之和
	assert.Equal(t, 3, p.TerminalTier())
	assert.Equal(t, 300*time.Second, p.TimeToTerminal())
}
