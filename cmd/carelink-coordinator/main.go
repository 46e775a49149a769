package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"carelink-coordinator/internal/config"
	"carelink-coordinator/internal/logger"
	"carelink-coordinator/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "carelink-coordinator")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建协调服务
	coordinator, err := service.NewCoordinatorService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create coordinator service", zap.Error(err))
	}

	// 4. 启动（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := coordinator.Start(ctx); err != nil {
		log.Fatal("Failed to start coordinator service", zap.Error(err))
	}

	// 5. 等待信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	if err := coordinator.Stop(); err != nil {
		log.Error("Failed to stop coordinator service", zap.Error(err))
	}

	log.Info("Coordinator service stopped")
}
