package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"carelink-coordinator/internal/config"
	"carelink-coordinator/internal/database"
	"carelink-coordinator/internal/logger"
	"carelink-coordinator/internal/report"
	"carelink-coordinator/internal/repository"

	"go.uber.org/zap"
)

func main() {
	// Parse command line arguments
	var subjectID = flag.String("subject", "", "Subject ID to export (empty for all subjects)")
	var days = flag.Int("days", 7, "Export alerts resolved within the last N days")
	var outPath = flag.String("out", "care-report.xlsx", "Output file path")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "carelink-report")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 加载领域配置（subject 人名）
	care, err := config.LoadCareConfig(cfg.Care.ConfigPath)
	if err != nil {
		log.Fatal("Failed to load care config", zap.Error(err))
	}

	// 4. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect database", zap.Error(err))
	}
	defer db.Close()

	// 5. 生成报表
	reporter := report.NewReporter(repository.NewAlertRepository(db, log), care.Subjects, log)
	since := time.Now().AddDate(0, 0, -*days)

	data, err := reporter.Generate(context.Background(), *subjectID, since)
	if err != nil {
		log.Fatal("Failed to generate report", zap.Error(err))
	}

	if err := os.WriteFile(*outPath, data, 0644); err != nil {
		log.Fatal("Failed to write report file", zap.Error(err))
	}

	log.Info("Care report written",
		zap.String("path", *outPath),
		zap.Int("bytes", len(data)),
		zap.String("subject_id", *subjectID),
		zap.Time("since", since))
}
