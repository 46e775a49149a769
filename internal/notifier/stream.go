// Package notifier 负责派发意图的投递：协调进程把意图发布到 Redis Stream，
// dispatcher 进程消费后按 action 路由到 App 推送、照护人 webhook 或急救通道
package notifier

import (
	"context"
	"fmt"

	"carelink-coordinator/internal/models"
	rediscommon "carelink-coordinator/internal/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StreamSink 将派发意图发布到 Redis Stream。
// 发布失败由引擎记账并告警，不阻塞升级状态机
type StreamSink struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewStreamSink 创建意图流发布器
func NewStreamSink(client *redis.Client, stream string, logger *zap.Logger) *StreamSink {
	return &StreamSink{
		client: client,
		stream: stream,
		logger: logger,
	}
}

// Dispatch 发布一条派发意图
func (s *StreamSink) Dispatch(ctx context.Context, intent *models.DispatchIntent) error {
	id, err := rediscommon.PublishJSON(ctx, s.client, s.stream, intent)
	if err != nil {
		return fmt.Errorf("failed to publish dispatch intent: %w", err)
	}

	s.logger.Debug("dispatch intent published",
		zap.String("intent_id", intent.IntentID),
		zap.String("idempotency_key", intent.IdempotencyKey()),
		zap.String("action", intent.Action),
		zap.String("stream_id", id))

	return nil
}
