package intake

import (
	"sort"
	"sync"

	"carelink-coordinator/internal/models"

	"go.uber.org/zap"
)

// Queue 有界 finding 队列，聚合器的唯一入口缓冲。
// 队列满时按严重级别腾位：新 finding 可以挤掉最老的更低级别条目，
// critical 条目永远不会被挤掉。挤不出位置时拒绝入队。
// 被拒绝或被挤掉的 finding 直接丢弃，监测域下个周期会重新产出
type Queue struct {
	mu       sync.Mutex
	items    []models.Finding
	capacity int
	signal   chan struct{}
	logger   *zap.Logger

	accepted uint64
	dropped  uint64
	rejected uint64
}

// QueueStats 队列运行计数
type QueueStats struct {
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
	Accepted uint64 `json:"accepted"`
	Dropped  uint64 `json:"dropped"`
	Rejected uint64 `json:"rejected"`
}

// NewQueue 创建有界队列
func NewQueue(capacity int, logger *zap.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items:    make([]models.Finding, 0, capacity),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		logger:   logger,
	}
}

// Offer 尝试入队。返回 false 表示队列已满且无法腾位
func (q *Queue) Offer(f models.Finding) bool {
	q.mu.Lock()

	if len(q.items) >= q.capacity {
		victim := q.victimIndexLocked(f.Severity)
		if victim < 0 {
			q.rejected++
			q.mu.Unlock()
			q.logger.Warn("finding rejected, queue full",
				zap.String("correlation_key", f.CorrelationKey),
				zap.String("severity", f.Severity.String()))
			return false
		}
		evicted := q.items[victim]
		q.items = append(q.items[:victim], q.items[victim+1:]...)
		q.dropped++
		q.logger.Warn("finding dropped to admit higher severity",
			zap.String("dropped_key", evicted.CorrelationKey),
			zap.String("dropped_severity", evicted.Severity.String()),
			zap.String("admitted_key", f.CorrelationKey),
			zap.String("admitted_severity", f.Severity.String()))
	}

	q.items = append(q.items, f)
	q.accepted++
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// victimIndexLocked 选择可被挤掉的条目：
// 从最低级别扫起，同级别取最老（入队最早）的一条。
// 新条目只能挤掉严格意义上可牺牲的级别，critical 不在候选之列
func (q *Queue) victimIndexLocked(incoming models.Severity) int {
	maxVictim := incoming
	if maxVictim > models.SeverityWarning {
		maxVictim = models.SeverityWarning
	}
	for sev := models.SeverityInfo; sev <= maxVictim; sev++ {
		for i := range q.items {
			if q.items[i].Severity == sev {
				return i
			}
		}
	}
	return -1
}

// DrainBatch 从队头取出最多 max 条（max <= 0 表示全部取出），
// 并按 detected_at 稳定排序，保证同 correlation_key 的 finding
// 按检测时间顺序进入聚合器
func (q *Queue) DrainBatch(max int) []models.Finding {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil
	}

	n := len(q.items)
	if max > 0 && n > max {
		n = max
	}
	batch := make([]models.Finding, n)
	copy(batch, q.items[:n])

	remaining := len(q.items) - n
	copy(q.items, q.items[n:])
	q.items = q.items[:remaining]
	q.mu.Unlock()

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].DetectedAt.Before(batch[j].DetectedAt)
	})
	return batch
}

// Signal 返回入队唤醒通道（容量 1，合并多次唤醒）
func (q *Queue) Signal() <-chan struct{} {
	return q.signal
}

// Len 当前队列深度
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats 返回当前计数快照
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Depth:    len(q.items),
		Capacity: q.capacity,
		Accepted: q.accepted,
		Dropped:  q.dropped,
		Rejected: q.rejected,
	}
}
