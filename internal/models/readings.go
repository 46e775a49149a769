package models

// 外部采集链路写入 Redis 的快照结构。monitor 只读这些键，
// 字段为指针的表示该项本轮未测量

// VitalSigns 最近一次生命体征快照
type VitalSigns struct {
	HeartRate  *int     `json:"heart_rate"`
	Systolic   *int     `json:"systolic"`  // 收缩压
	Diastolic  *int     `json:"diastolic"` // 舒张压
	Glucose    *float64 `json:"glucose"`
	Oxygen     *int     `json:"oxygen"`      // 血氧饱和度（%）
	MeasuredAt int64    `json:"measured_at"` // Unix 时间戳
}

// ActivityState 活动与安全快照
type ActivityState struct {
	Room           string `json:"room"`           // 当前/最后检测到的房间
	LastMotionAt   int64  `json:"last_motion_at"` // 最后活动时间（Unix）
	FallDetected   bool   `json:"fall_detected"`
	FallImpact     string `json:"fall_impact,omitempty"` // low | medium | high
	PostureChanged bool   `json:"posture_changed"`       // 跌倒后是否检测到姿态变化
	FallAt         int64  `json:"fall_at,omitempty"`
	UpdatedAt      int64  `json:"updated_at"`
}

// ReminderState 提醒完成状态
type ReminderState struct {
	Completed map[string]int64 `json:"completed"` // reminder_id → 完成时间（Unix）
	UpdatedAt int64            `json:"updated_at"`
}
