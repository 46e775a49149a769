package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carelink-coordinator/internal/config"
	"carelink-coordinator/internal/logger"
	"carelink-coordinator/internal/notifier"
	rediscommon "carelink-coordinator/internal/redis"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "carelink-dispatcher")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 加载领域配置（联系人路由需要）
	care, err := config.LoadCareConfig(cfg.Care.ConfigPath)
	if err != nil {
		log.Fatal("Failed to load care config", zap.Error(err))
	}

	// 4. 连接 Redis
	redisClient := rediscommon.NewClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		log.Fatal("Failed to ping redis", zap.Error(err))
	}

	// 5. App 推送通道。未配置 broker 时 notify_app 意图会留在 pending
	var app notifier.AppPublisher
	if cfg.MQTT.Broker != "" {
		mqttPub, err := notifier.NewMQTTPublisher(&cfg.MQTT, log)
		if err != nil {
			log.Fatal("Failed to connect mqtt broker", zap.Error(err))
		}
		app = mqttPub
		defer mqttPub.Close()
	} else {
		log.Warn("MQTT broker not configured, app notifications disabled")
	}

	// 6. 创建派发器
	webhooks := notifier.NewWebhookClient(time.Duration(cfg.Notify.WebhookTimeout)*time.Second, log)
	dispatcher := notifier.NewDispatcher(cfg, redisClient, app, webhooks, care.Subjects, log)

	// 7. 启动消费循环（在 goroutine 中）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- dispatcher.Start(ctx)
	}()

	// 8. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			log.Fatal("Dispatcher error", zap.Error(err))
		}
	}

	if err := rediscommon.Close(redisClient); err != nil {
		log.Error("Failed to close redis", zap.Error(err))
	}

	log.Info("Dispatcher stopped")
}
