package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// 升级梯队与时间参数的默认值（YAML 未配置时生效）。
// dwell/grace 只是缺省，不同部署按需覆盖
const (
	DefaultTierDwellSeconds = 300
	DefaultAckGraceSeconds  = 600
	DefaultMaxDelayMinutes  = 60
	DefaultInactivityLimit  = 120 // 分钟
)

// CareConfig 领域配置（启动时加载一次，之后只读；
// 修改配置需要重启受影响的 monitor，不支持热更新）
type CareConfig struct {
	Subjects   []CareContext    `yaml:"subjects"`
	Escalation EscalationConfig `yaml:"escalation"`
}

// CareContext 单个被照护对象的静态参考数据，monitor 只读使用
type CareContext struct {
	SubjectID string          `yaml:"subject_id"`
	Name      string          `yaml:"name"`
	Vitals    VitalThresholds `yaml:"vitals"`

	// 房间名 → 无活动上限（分钟），未列出的房间使用 DefaultInactivityLimit
	Rooms                  map[string]int `yaml:"rooms"`
	DefaultInactivityLimit int            `yaml:"default_inactivity_limit"`

	Reminders []ReminderDef      `yaml:"reminders"`
	Contacts  []EmergencyContact `yaml:"contacts"`
}

// InactivityLimitFor 返回某房间的无活动上限
func (c *CareContext) InactivityLimitFor(room string) time.Duration {
	limit := c.DefaultInactivityLimit
	if v, ok := c.Rooms[room]; ok && v > 0 {
		limit = v
	}
	return time.Duration(limit) * time.Minute
}

// VitalThresholds 生命体征阈值。普通越界产生 Warning finding，
// critical 区间产生 Critical finding
type VitalThresholds struct {
	HeartRateMin         int `yaml:"heart_rate_min"`
	HeartRateMax         int `yaml:"heart_rate_max"`
	HeartRateCriticalMin int `yaml:"heart_rate_critical_min"`
	HeartRateCriticalMax int `yaml:"heart_rate_critical_max"`

	SystolicMin         int `yaml:"systolic_min"`
	SystolicMax         int `yaml:"systolic_max"`
	SystolicCriticalMax int `yaml:"systolic_critical_max"`

	DiastolicMin         int `yaml:"diastolic_min"`
	DiastolicMax         int `yaml:"diastolic_max"`
	DiastolicCriticalMax int `yaml:"diastolic_critical_max"`

	GlucoseMin         float64 `yaml:"glucose_min"`
	GlucoseMax         float64 `yaml:"glucose_max"`
	GlucoseCriticalMin float64 `yaml:"glucose_critical_min"`
	GlucoseCriticalMax float64 `yaml:"glucose_critical_max"`

	OxygenMin         int `yaml:"oxygen_min"`
	OxygenCriticalMin int `yaml:"oxygen_critical_min"`
}

// ReminderDef 提醒定义（每日固定时刻）
type ReminderDef struct {
	ID              string `yaml:"id"`
	Title           string `yaml:"title"`
	Time            string `yaml:"time"`     // "15:04" 格式的每日时刻
	Priority        string `yaml:"priority"` // low | medium | high
	MaxDelayMinutes int    `yaml:"max_delay_minutes"`
}

// EmergencyContact 紧急联系人
type EmergencyContact struct {
	Name         string   `yaml:"name"`
	Relationship string   `yaml:"relationship"`
	Phone        string   `yaml:"phone"`
	Email        string   `yaml:"email"`
	Priority     int      `yaml:"priority"`   // 数字越小越先联系
	NotifyFor    []string `yaml:"notify_for"` // all | health | fall
}

// EscalationConfig 升级策略配置。
// 匹配顺序：kind 覆盖 → domain 覆盖 → default。
// 覆盖项的 Tiers 为空或 AckGraceSeconds 为 0 时继承 default 对应值；
// StalenessSeconds 为 0 表示禁用自动解除（不继承）
type EscalationConfig struct {
	Default *PolicySpec            `yaml:"default"`
	Domains map[string]*PolicySpec `yaml:"domains"`
	Kinds   map[string]*PolicySpec `yaml:"kinds"`
}

// PolicySpec 一条升级策略
type PolicySpec struct {
	Tiers            []TierSpec `yaml:"tiers"`
	AckGraceSeconds  int        `yaml:"ack_grace_seconds"`
	StalenessSeconds int        `yaml:"staleness_seconds"`
	JumpOnCritical   bool       `yaml:"jump_on_critical"`
}

// TierSpec 单个升级梯队。最后一个梯队为终态（如通知急救），
// 其 dwell 不参与计时
type TierSpec struct {
	Tier         int    `yaml:"tier"`
	Action       string `yaml:"action"`
	DwellSeconds int    `yaml:"dwell_seconds"`
}

// LoadCareConfig 从 YAML 文件加载领域配置并校验
func LoadCareConfig(path string) (*CareConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read care config %s: %w", path, err)
	}

	cfg := &CareConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse care config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid care config: %w", err)
	}

	return cfg, nil
}

// DefaultPolicySpec 内置默认策略：
// 1=notify_app, 2=notify_caregiver, 3=notify_emergency_services
func DefaultPolicySpec() *PolicySpec {
	return &PolicySpec{
		Tiers: []TierSpec{
			{Tier: 1, Action: "notify_app", DwellSeconds: DefaultTierDwellSeconds},
			{Tier: 2, Action: "notify_caregiver", DwellSeconds: DefaultTierDwellSeconds},
			{Tier: 3, Action: "notify_emergency_services"},
		},
		AckGraceSeconds: DefaultAckGraceSeconds,
	}
}

func (c *CareConfig) applyDefaults() {
	if c.Escalation.Default == nil {
		c.Escalation.Default = DefaultPolicySpec()
	}
	def := c.Escalation.Default
	if len(def.Tiers) == 0 {
		def.Tiers = DefaultPolicySpec().Tiers
	}
	if def.AckGraceSeconds <= 0 {
		def.AckGraceSeconds = DefaultAckGraceSeconds
	}

	for i := range c.Subjects {
		s := &c.Subjects[i]
		if s.DefaultInactivityLimit <= 0 {
			s.DefaultInactivityLimit = DefaultInactivityLimit
		}
		s.Vitals.applyDefaults()
		for j := range s.Reminders {
			if s.Reminders[j].MaxDelayMinutes <= 0 {
				s.Reminders[j].MaxDelayMinutes = DefaultMaxDelayMinutes
			}
			if s.Reminders[j].Priority == "" {
				s.Reminders[j].Priority = "medium"
			}
		}
		for j := range s.Contacts {
			if len(s.Contacts[j].NotifyFor) == 0 {
				s.Contacts[j].NotifyFor = []string{"all"}
			}
		}
	}
}

func (t *VitalThresholds) applyDefaults() {
	if t.HeartRateMin <= 0 {
		t.HeartRateMin = 60
	}
	if t.HeartRateMax <= 0 {
		t.HeartRateMax = 100
	}
	if t.HeartRateCriticalMin <= 0 {
		t.HeartRateCriticalMin = 50
	}
	if t.HeartRateCriticalMax <= 0 {
		t.HeartRateCriticalMax = 120
	}
	if t.SystolicMin <= 0 {
		t.SystolicMin = 90
	}
	if t.SystolicMax <= 0 {
		t.SystolicMax = 140
	}
	if t.SystolicCriticalMax <= 0 {
		t.SystolicCriticalMax = 160
	}
	if t.DiastolicMin <= 0 {
		t.DiastolicMin = 60
	}
	if t.DiastolicMax <= 0 {
		t.DiastolicMax = 90
	}
	if t.DiastolicCriticalMax <= 0 {
		t.DiastolicCriticalMax = 100
	}
	if t.GlucoseMin <= 0 {
		t.GlucoseMin = 70
	}
	if t.GlucoseMax <= 0 {
		t.GlucoseMax = 140
	}
	if t.GlucoseCriticalMin <= 0 {
		t.GlucoseCriticalMin = 60
	}
	if t.GlucoseCriticalMax <= 0 {
		t.GlucoseCriticalMax = 180
	}
	if t.OxygenMin <= 0 {
		t.OxygenMin = 95
	}
	if t.OxygenCriticalMin <= 0 {
		t.OxygenCriticalMin = 90
	}
}

// Validate 校验领域配置
func (c *CareConfig) Validate() error {
	if err := validatePolicySpec("default", c.Escalation.Default, true); err != nil {
		return err
	}
	for domain, spec := range c.Escalation.Domains {
		if err := validatePolicySpec("domain "+domain, spec, false); err != nil {
			return err
		}
	}
	for kind, spec := range c.Escalation.Kinds {
		if err := validatePolicySpec("kind "+kind, spec, false); err != nil {
			return err
		}
	}

	seen := make(map[string]bool)
	for i := range c.Subjects {
		s := &c.Subjects[i]
		if s.SubjectID == "" {
			return fmt.Errorf("subjects[%d]: subject_id is required", i)
		}
		if seen[s.SubjectID] {
			return fmt.Errorf("duplicate subject_id: %s", s.SubjectID)
		}
		seen[s.SubjectID] = true

		reminderIDs := make(map[string]bool)
		for j := range s.Reminders {
			r := &s.Reminders[j]
			if r.ID == "" {
				return fmt.Errorf("subject %s: reminders[%d]: id is required", s.SubjectID, j)
			}
			if reminderIDs[r.ID] {
				return fmt.Errorf("subject %s: duplicate reminder id: %s", s.SubjectID, r.ID)
			}
			reminderIDs[r.ID] = true
			if _, err := time.Parse("15:04", r.Time); err != nil {
				return fmt.Errorf("subject %s: reminder %s: invalid time %q", s.SubjectID, r.ID, r.Time)
			}
			switch r.Priority {
			case "low", "medium", "high":
			default:
				return fmt.Errorf("subject %s: reminder %s: invalid priority %q", s.SubjectID, r.ID, r.Priority)
			}
		}

		for j := range s.Contacts {
			contact := &s.Contacts[j]
			if contact.Name == "" {
				return fmt.Errorf("subject %s: contacts[%d]: name is required", s.SubjectID, j)
			}
			if contact.Phone == "" && contact.Email == "" {
				return fmt.Errorf("subject %s: contact %s: phone or email is required", s.SubjectID, contact.Name)
			}
			for _, nf := range contact.NotifyFor {
				switch nf {
				case "all", "health", "fall":
				default:
					return fmt.Errorf("subject %s: contact %s: invalid notify_for %q", s.SubjectID, contact.Name, nf)
				}
			}
		}
	}

	return nil
}

func validatePolicySpec(name string, spec *PolicySpec, requireTiers bool) error {
	if spec == nil {
		return fmt.Errorf("escalation %s: spec is required", name)
	}
	if len(spec.Tiers) == 0 {
		if requireTiers {
			return fmt.Errorf("escalation %s: tiers are required", name)
		}
		return nil // 空 tiers 的覆盖项继承 default
	}
	// 单梯队策略没有可驻留的非终态梯队，报警会在创建时直接终态
	if len(spec.Tiers) < 2 {
		return fmt.Errorf("escalation %s: at least 2 tiers are required", name)
	}
	for i, tier := range spec.Tiers {
		if tier.Tier != i+1 {
			return fmt.Errorf("escalation %s: tiers must be numbered 1..N in order, got %d at position %d", name, tier.Tier, i)
		}
		if tier.Action == "" {
			return fmt.Errorf("escalation %s: tier %d: action is required", name, tier.Tier)
		}
		// 非终态梯队必须有正的 dwell
		if i < len(spec.Tiers)-1 && tier.DwellSeconds <= 0 {
			return fmt.Errorf("escalation %s: tier %d: dwell_seconds must be positive", name, tier.Tier)
		}
	}
	return nil
}

// SubjectByID 按 ID 查找照护对象
func (c *CareConfig) SubjectByID(subjectID string) *CareContext {
	for i := range c.Subjects {
		if c.Subjects[i].SubjectID == subjectID {
			return &c.Subjects[i]
		}
	}
	return nil
}
