package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"carelink-coordinator/internal/config"
	"carelink-coordinator/internal/models"
	rediscommon "carelink-coordinator/internal/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 每轮消费的最大消息数
const dispatchBatch = 16

// Dispatcher 消费意图流并按 action 路由到具体通道。
// 同一 (alert_id, tier) 的重放用 SETNX 去重：跳过投递但仍确认消息
type Dispatcher struct {
	cfg      *config.Config
	redis    *redis.Client
	app      AppPublisher
	webhooks *WebhookClient
	subjects map[string]*config.CareContext
	logger   *zap.Logger
}

// NewDispatcher 创建派发器。app 为 nil 时 notify_app 投递报错并留在 pending
func NewDispatcher(
	cfg *config.Config,
	redisClient *redis.Client,
	app AppPublisher,
	webhooks *WebhookClient,
	subjects []config.CareContext,
	logger *zap.Logger,
) *Dispatcher {
	index := make(map[string]*config.CareContext, len(subjects))
	for i := range subjects {
		index[subjects[i].SubjectID] = &subjects[i]
	}

	return &Dispatcher{
		cfg:      cfg,
		redis:    redisClient,
		app:      app,
		webhooks: webhooks,
		subjects: index,
		logger:   logger,
	}
}

// Start 启动消费循环，ctx 取消后返回
func (d *Dispatcher) Start(ctx context.Context) error {
	stream := d.cfg.Stream.IntentStream
	group := d.cfg.Stream.ConsumerGroup

	if err := rediscommon.CreateConsumerGroup(ctx, d.redis, stream, group); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	d.logger.Info("dispatcher started",
		zap.String("stream", stream),
		zap.String("consumer_group", group),
		zap.String("consumer_name", d.cfg.Stream.ConsumerName))

	// 上次运行未确认的消息先行消化
	if err := d.drainPending(ctx); err != nil {
		d.logger.Warn("failed to drain pending intents", zap.Error(err))
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if err := d.consumeOnce(ctx); err != nil {
				d.logger.Error("failed to consume intent stream",
					zap.Error(err),
					zap.Duration("backoff", backoff))

				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoff):
					backoff *= 2
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
				}
			} else {
				backoff = time.Second
			}
		}
	}
}

// drainPending 处理本消费者名下的 pending 消息（崩溃恢复）
func (d *Dispatcher) drainPending(ctx context.Context) error {
	for {
		messages, err := rediscommon.ReadPending(ctx, d.redis,
			d.cfg.Stream.IntentStream, d.cfg.Stream.ConsumerGroup, d.cfg.Stream.ConsumerName, dispatchBatch)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			return nil
		}

		d.logger.Info("recovering pending intents", zap.Int("count", len(messages)))
		d.handleBatch(ctx, messages)
	}
}

func (d *Dispatcher) consumeOnce(ctx context.Context) error {
	messages, err := rediscommon.ReadGroup(ctx, d.redis,
		d.cfg.Stream.IntentStream, d.cfg.Stream.ConsumerGroup, d.cfg.Stream.ConsumerName, dispatchBatch)
	if err != nil {
		return fmt.Errorf("failed to read intent stream: %w", err)
	}

	d.handleBatch(ctx, messages)
	return nil
}

// handleBatch 逐条处理：投递成功（或确认重复）才 Ack，失败留在 pending
func (d *Dispatcher) handleBatch(ctx context.Context, messages []rediscommon.StreamMessage) {
	for i := range messages {
		msg := &messages[i]
		if err := d.processMessage(ctx, msg); err != nil {
			d.logger.Error("failed to process intent message",
				zap.String("message_id", msg.ID),
				zap.Error(err))
			continue
		}
		if err := rediscommon.Ack(ctx, d.redis,
			d.cfg.Stream.IntentStream, d.cfg.Stream.ConsumerGroup, msg.ID); err != nil {
			d.logger.Warn("failed to ack intent message",
				zap.String("message_id", msg.ID),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) processMessage(ctx context.Context, msg *rediscommon.StreamMessage) error {
	raw, ok := msg.Values["data"].(string)
	if !ok || raw == "" {
		return fmt.Errorf("message %s has no data field", msg.ID)
	}

	var intent models.DispatchIntent
	if err := json.Unmarshal([]byte(raw), &intent); err != nil {
		return fmt.Errorf("failed to unmarshal dispatch intent: %w", err)
	}

	// 1. 幂等检查：同一 (alert_id, tier) 只投递一次
	dedupeKey := d.cfg.Stream.IdempotencyKey + intent.IdempotencyKey()
	ttl := time.Duration(d.cfg.Stream.IdempotencyTTL) * time.Hour
	fresh, err := d.redis.SetNX(ctx, dedupeKey, intent.IntentID, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to check idempotency key: %w", err)
	}
	if !fresh {
		d.logger.Info("duplicate dispatch intent skipped",
			zap.String("idempotency_key", intent.IdempotencyKey()),
			zap.String("intent_id", intent.IntentID))
		return nil
	}

	// 2. 投递。失败时撤掉幂等键，消息重试后可再次投递
	if err := d.deliver(ctx, &intent); err != nil {
		if delErr := d.redis.Del(ctx, dedupeKey).Err(); delErr != nil {
			d.logger.Warn("failed to release idempotency key",
				zap.String("key", dedupeKey),
				zap.Error(delErr))
		}
		return err
	}

	return nil
}

// deliver 按 action 路由到 App 推送或 webhook 通道
func (d *Dispatcher) deliver(ctx context.Context, intent *models.DispatchIntent) error {
	subject := d.subjects[intent.SubjectID]

	switch intent.Action {
	case models.ActionNotifyApp:
		return d.notifyApp(intent, subject)
	case models.ActionNotifyCaregiver:
		payload := d.buildPayload(intent, subject, contactsFor(subject, intent))
		return d.webhooks.Push(ctx, d.cfg.Notify.CaregiverWebhookURL, payload)
	case models.ActionNotifyEmergencyServices:
		payload := d.buildPayload(intent, subject, contactsFor(subject, intent))
		return d.webhooks.Push(ctx, d.cfg.Notify.EmergencyWebhookURL, payload)
	default:
		return fmt.Errorf("unknown dispatch action: %s", intent.Action)
	}
}

func (d *Dispatcher) notifyApp(intent *models.DispatchIntent, subject *config.CareContext) error {
	if d.app == nil {
		return fmt.Errorf("mqtt channel is not configured")
	}

	payload, err := json.Marshal(d.buildPayload(intent, subject, nil))
	if err != nil {
		return fmt.Errorf("failed to marshal app payload: %w", err)
	}

	topic := d.cfg.Notify.AppTopicPrefix + intent.SubjectID
	if err := d.app.Publish(topic, payload); err != nil {
		return err
	}

	d.logger.Info("app notification published",
		zap.String("topic", topic),
		zap.String("intent_id", intent.IntentID),
		zap.String("idempotency_key", intent.IdempotencyKey()))

	return nil
}

func (d *Dispatcher) buildPayload(intent *models.DispatchIntent, subject *config.CareContext, contacts []ContactRef) *WebhookPayload {
	payload := &WebhookPayload{
		IntentID:       intent.IntentID,
		AlertID:        intent.AlertID,
		EscalationTier: intent.EscalationTier,
		Action:         intent.Action,
		SubjectID:      intent.SubjectID,
		Domain:         string(intent.Domain),
		Kind:           intent.Kind,
		Severity:       intent.Severity.String(),
		Priority:       intent.Priority,
		Message:        intent.Message,
		Contacts:       contacts,
		EmittedAt:      intent.EmittedAt,
	}
	if subject != nil {
		payload.SubjectName = subject.Name
	}
	return payload
}

// contactsFor 选出应联系的联系人，按优先级升序
func contactsFor(subject *config.CareContext, intent *models.DispatchIntent) []ContactRef {
	if subject == nil {
		return nil
	}

	matched := make([]config.EmergencyContact, 0, len(subject.Contacts))
	for _, c := range subject.Contacts {
		if contactWants(c, intent) {
			matched = append(matched, c)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Priority < matched[j].Priority })

	refs := make([]ContactRef, 0, len(matched))
	for _, c := range matched {
		refs = append(refs, ContactRef{
			Name:         c.Name,
			Relationship: c.Relationship,
			Phone:        c.Phone,
			Email:        c.Email,
		})
	}
	return refs
}

// contactWants 联系人是否关注该类报警
func contactWants(c config.EmergencyContact, intent *models.DispatchIntent) bool {
	for _, category := range c.NotifyFor {
		switch category {
		case "all":
			return true
		case "health":
			if intent.Domain == models.DomainHealth {
				return true
			}
		case "fall":
			if intent.Kind == models.KindFallDetected {
				return true
			}
		}
	}
	return false
}
