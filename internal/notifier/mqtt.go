package notifier

import (
	"fmt"

	"carelink-coordinator/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// AppPublisher App 推送通道。dispatcher 通过它把 tier-1 通知
// 送达家属与本人的移动端
type AppPublisher interface {
	Publish(topic string, payload []byte) error
	Close()
}

// MQTTPublisher 基于 MQTT broker 的 App 推送实现
type MQTTPublisher struct {
	client mqtt.Client
	qos    byte
	logger *zap.Logger
}

// NewMQTTPublisher 连接 broker 并创建推送器
func NewMQTTPublisher(cfg *config.MQTTConfig, logger *zap.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.Info("mqtt publisher connected",
		zap.String("broker", cfg.Broker),
		zap.String("client_id", cfg.ClientID))

	return &MQTTPublisher{
		client: client,
		qos:    cfg.QoS,
		logger: logger,
	}, nil
}

// Publish 向主题发布一条消息
func (p *MQTTPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	return nil
}

// Close 断开连接
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
