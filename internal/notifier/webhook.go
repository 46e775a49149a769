package notifier

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/go-resty/resty/v2"
)

// ContactRef 通知载荷中的联系人信息
type ContactRef struct {
	Name         string `json:"name"`
	Relationship string `json:"relationship,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Email        string `json:"email,omitempty"`
}

// WebhookPayload 推送给照护人/急救通道的消息体
type WebhookPayload struct {
	IntentID       string       `json:"intent_id"`
	AlertID        string       `json:"alert_id"`
	EscalationTier int          `json:"escalation_tier"`
	Action         string       `json:"action"`
	SubjectID      string       `json:"subject_id"`
	SubjectName    string       `json:"subject_name,omitempty"`
	Domain         string       `json:"domain"`
	Kind           string       `json:"kind"`
	Severity       string       `json:"severity"`
	Priority       int          `json:"priority"`
	Message        string       `json:"message"`
	Contacts       []ContactRef `json:"contacts,omitempty"`
	EmittedAt      time.Time    `json:"emitted_at"`
}

// WebhookClient 照护人与急救通道的 HTTP 推送客户端
type WebhookClient struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewWebhookClient 创建 webhook 客户端
func NewWebhookClient(timeout time.Duration, logger *zap.Logger) *WebhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &WebhookClient{
		httpClient: client,
		logger:     logger,
	}
}

// Push 向指定地址 POST 一条通知
func (c *WebhookClient) Push(ctx context.Context, url string, payload *WebhookPayload) error {
	if url == "" {
		return fmt.Errorf("webhook url is not configured")
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		Post(url)
	if err != nil {
		return fmt.Errorf("failed to call webhook: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Info("webhook notification delivered",
		zap.String("url", url),
		zap.String("intent_id", payload.IntentID),
		zap.String("action", payload.Action),
		zap.Int("status_code", resp.StatusCode()))

	return nil
}
