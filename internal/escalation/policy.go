package escalation

import (
	"time"

	"carelink-coordinator/internal/config"
	"carelink-coordinator/internal/models"
)

// Tier 解析后的升级梯队
type Tier struct {
	Tier   int
	Action string
	Dwell  time.Duration
}

// Policy 解析后的升级策略。加载后不可变，同 domain/kind 的报警共享
type Policy struct {
	Tiers          []Tier
	AckGrace       time.Duration
	Staleness      time.Duration // 0 表示不自动解除
	JumpOnCritical bool
}

// TierSpec 返回编号为 tier 的梯队
func (p *Policy) TierSpec(tier int) (Tier, bool) {
	if tier < 1 || tier > len(p.Tiers) {
		return Tier{}, false
	}
	return p.Tiers[tier-1], true
}

// TerminalTier 终态梯队编号（最后一个梯队，如通知急救服务）
func (p *Policy) TerminalTier() int {
	return len(p.Tiers)
}

// TimeToTerminal 未确认报警到达终态的最坏耗时：Σ dwell(1..N-1)。
// 梯队只能逐级前进，这个上界是确定的、可审计的
func (p *Policy) TimeToTerminal() time.Duration {
	var total time.Duration
	for i := 0; i < len(p.Tiers)-1; i++ {
		total += p.Tiers[i].Dwell
	}
	return total
}

// PolicySet 升级策略集合，按 kind 覆盖 → domain 覆盖 → default 的顺序解析
type PolicySet struct {
	def     *Policy
	domains map[models.Domain]*Policy
	kinds   map[string]*Policy
}

// NewPolicySet 从领域配置构建策略集合。
// 覆盖项缺省的 Tiers/AckGrace 继承 default；Staleness 为 0 表示禁用
func NewPolicySet(cfg *config.EscalationConfig) *PolicySet {
	if cfg == nil {
		cfg = &config.EscalationConfig{}
	}
	defSpec := cfg.Default
	if defSpec == nil {
		defSpec = config.DefaultPolicySpec()
	}
	def := resolvePolicy(defSpec, nil)

	set := &PolicySet{
		def:     def,
		domains: make(map[models.Domain]*Policy),
		kinds:   make(map[string]*Policy),
	}
	for domain, spec := range cfg.Domains {
		set.domains[models.Domain(domain)] = resolvePolicy(spec, def)
	}
	for kind, spec := range cfg.Kinds {
		set.kinds[kind] = resolvePolicy(spec, def)
	}
	return set
}

// For 返回某报警适用的策略
func (s *PolicySet) For(domain models.Domain, kind string) *Policy {
	if p, ok := s.kinds[kind]; ok {
		return p
	}
	if p, ok := s.domains[domain]; ok {
		return p
	}
	return s.def
}

// Default 返回默认策略
func (s *PolicySet) Default() *Policy {
	return s.def
}

func resolvePolicy(spec *config.PolicySpec, def *Policy) *Policy {
	if spec == nil {
		return def
	}

	p := &Policy{
		AckGrace:       time.Duration(spec.AckGraceSeconds) * time.Second,
		Staleness:      time.Duration(spec.StalenessSeconds) * time.Second,
		JumpOnCritical: spec.JumpOnCritical,
	}

	for _, t := range spec.Tiers {
		p.Tiers = append(p.Tiers, Tier{
			Tier:   t.Tier,
			Action: t.Action,
			Dwell:  time.Duration(t.DwellSeconds) * time.Second,
		})
	}

	if def != nil {
		if len(p.Tiers) == 0 {
			p.Tiers = def.Tiers
		}
		if p.AckGrace <= 0 {
			p.AckGrace = def.AckGrace
		}
	}

	return p
}
