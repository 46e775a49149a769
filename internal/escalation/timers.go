package escalation

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// Timers 每个报警至多一个在途计时器（dwell 或 grace）。
// Arm 时捕获调用方的转换序号并在到期回调中原样带回；
// 引擎据此识别过期回调（序号不匹配的触发是 no-op）。
// Cancel 与已触发回调之间的竞态同样由序号守卫消解，
// 因此不依赖底层 timer Stop 的成功与否
type Timers struct {
	mu     sync.Mutex
	clock  clock.Clock
	timers map[string]*armedTimer
}

type armedTimer struct {
	timer *clock.Timer
	seq   uint64
}

// NewTimers 创建计时器管理
func NewTimers(clk clock.Clock) *Timers {
	return &Timers{
		clock:  clk,
		timers: make(map[string]*armedTimer),
	}
}

// Arm 为某报警设置计时器，替换同报警的旧计时器。
// 到期时执行 fire(alertID, seq)，执行前注销自身
func (t *Timers) Arm(alertID string, seq uint64, d time.Duration, fire func(alertID string, seq uint64)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.timers[alertID]; ok {
		existing.timer.Stop()
	}

	armed := &armedTimer{seq: seq}
	armed.timer = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		if cur, ok := t.timers[alertID]; ok && cur.seq == seq {
			delete(t.timers, alertID)
		}
		t.mu.Unlock()
		fire(alertID, seq)
	})
	t.timers[alertID] = armed
}

// Cancel 取消某报警的计时器。已经在途的回调由序号守卫兜底
func (t *Timers) Cancel(alertID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.timers[alertID]; ok {
		existing.timer.Stop()
		delete(t.timers, alertID)
	}
}

// Len 当前在途计时器数量
func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
