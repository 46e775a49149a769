package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"carelink-coordinator/internal/config"
	"carelink-coordinator/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// TrendStore 记录被抑制的低级别 finding，供 dashboard 展示趋势上下文。
// 每个关联键一个定长列表（LPUSH + LTRIM），整键带 TTL
type TrendStore struct {
	cfg    *config.Config
	client *redis.Client
	logger *zap.Logger
}

// NewTrendStore 创建趋势存储
func NewTrendStore(cfg *config.Config, client *redis.Client, logger *zap.Logger) *TrendStore {
	return &TrendStore{
		cfg:    cfg,
		client: client,
		logger: logger,
	}
}

func (t *TrendStore) key(correlationKey string) string {
	return t.cfg.Care.Cache.TrendKeyPrefix + correlationKey
}

// Append 追加一条被抑制的 finding
func (t *TrendStore) Append(ctx context.Context, finding *models.Finding) error {
	jsonData, err := json.Marshal(finding)
	if err != nil {
		return fmt.Errorf("failed to marshal finding: %w", err)
	}

	key := t.key(finding.CorrelationKey)
	pipe := t.client.Pipeline()
	pipe.LPush(ctx, key, jsonData)
	pipe.LTrim(ctx, key, 0, int64(t.cfg.Care.Cache.TrendMax-1))
	pipe.Expire(ctx, key, time.Duration(t.cfg.Care.Cache.TrendTTL)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append trend: %w", err)
	}

	return nil
}

// Recent 返回某关联键最近被抑制的 finding（新→旧）
func (t *TrendStore) Recent(ctx context.Context, correlationKey string) ([]models.Finding, error) {
	vals, err := t.client.LRange(ctx, t.key(correlationKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read trend: %w", err)
	}

	findings := make([]models.Finding, 0, len(vals))
	for _, val := range vals {
		var f models.Finding
		if err := json.Unmarshal([]byte(val), &f); err != nil {
			// 坏条目跳过，不影响其余数据
			t.logger.Warn("Skipping malformed trend entry",
				zap.String("correlation_key", correlationKey),
				zap.Error(err),
			)
			continue
		}
		findings = append(findings, f)
	}

	return findings, nil
}
