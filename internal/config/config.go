package config

import (
	"fmt"
	"os"
)

// Config 协调服务配置（进程级，从环境变量加载）
// 领域配置（阈值、提醒、升级策略等）单独从 YAML 文件加载，见 careconfig.go
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	Care struct {
		// 领域配置文件路径
		ConfigPath string

		// Redis 缓存键布局
		Cache struct {
			SubjectKeyPrefix string // 按 subject 的缓存键前缀，如 "carelink:subject:"
			VitalsSuffix     string // 生命体征快照后缀，如 ":vitals"
			ActivitySuffix   string // 活动快照后缀，如 ":activity"
			RemindersSuffix  string // 提醒完成状态后缀，如 ":reminders"
			AlertsSuffix     string // 报警快照后缀，如 ":alerts"
			AlertTTL         int    // 报警快照 TTL（秒）
			TrendKeyPrefix   string // 被抑制 finding 的趋势缓存键前缀
			TrendTTL         int    // 趋势缓存 TTL（秒）
			TrendMax         int    // 每个关联键保留的趋势条数
		}

		// finding 入队配置
		Intake struct {
			QueueCapacity      int // 有界队列容量
			BatchSize          int // 每批消费的 finding 数量
			ClockSkewTolerance int // detected_at 允许超前的秒数
		}

		MonitorInterval int // 各监测域的评估周期（秒）
		SweepInterval   int // staleness 扫描与缓存刷新间隔（秒）
		DispatchTimeout int // 单次派发调用的超时（秒）
		HistoryLimit    int // 每个 subject 在内存中保留的终态报警条数
	}

	// 派发意图流（dispatcher 消费）
	Stream struct {
		IntentStream   string // 意图流名称
		ConsumerGroup  string // 消费组名称
		ConsumerName   string // 消费者名称
		IdempotencyKey string // 幂等去重键前缀
		IdempotencyTTL int    // 幂等键 TTL（小时）
	}

	// 派发通道配置（dispatcher 进程使用）
	Notify struct {
		CaregiverWebhookURL string
		EmergencyWebhookURL string
		AppTopicPrefix      string // MQTT 主题前缀，完整主题为 <prefix><subject_id>
		WebhookTimeout      int    // webhook 调用超时（秒）
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "carelink")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "carelink-dispatcher")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))

	cfg.Care.ConfigPath = getEnv("CARE_CONFIG_PATH", "care-config.yaml")

	cfg.Care.Cache.SubjectKeyPrefix = getEnv("CACHE_SUBJECT_PREFIX", "carelink:subject:")
	cfg.Care.Cache.VitalsSuffix = ":vitals"
	cfg.Care.Cache.ActivitySuffix = ":activity"
	cfg.Care.Cache.RemindersSuffix = ":reminders"
	cfg.Care.Cache.AlertsSuffix = ":alerts"
	cfg.Care.Cache.AlertTTL = getEnvInt("CACHE_ALERT_TTL", 60)
	cfg.Care.Cache.TrendKeyPrefix = getEnv("CACHE_TREND_PREFIX", "carelink:trend:")
	cfg.Care.Cache.TrendTTL = getEnvInt("CACHE_TREND_TTL", 86400)
	cfg.Care.Cache.TrendMax = getEnvInt("CACHE_TREND_MAX", 20)

	cfg.Care.Intake.QueueCapacity = getEnvInt("INTAKE_QUEUE_CAPACITY", 256)
	cfg.Care.Intake.BatchSize = getEnvInt("INTAKE_BATCH_SIZE", 32)
	cfg.Care.Intake.ClockSkewTolerance = getEnvInt("INTAKE_CLOCK_SKEW_TOLERANCE", 30)

	cfg.Care.MonitorInterval = getEnvInt("CARE_MONITOR_INTERVAL", 60)
	cfg.Care.SweepInterval = getEnvInt("CARE_SWEEP_INTERVAL", 30)
	cfg.Care.DispatchTimeout = getEnvInt("CARE_DISPATCH_TIMEOUT", 2)
	cfg.Care.HistoryLimit = getEnvInt("CARE_HISTORY_LIMIT", 20)

	cfg.Stream.IntentStream = getEnv("STREAM_INTENTS", "carelink:intents")
	cfg.Stream.ConsumerGroup = getEnv("STREAM_CONSUMER_GROUP", "carelink-dispatcher")
	cfg.Stream.ConsumerName = getEnv("STREAM_CONSUMER_NAME", "dispatcher-1")
	cfg.Stream.IdempotencyKey = getEnv("STREAM_IDEMPOTENCY_PREFIX", "carelink:dispatch:done:")
	cfg.Stream.IdempotencyTTL = getEnvInt("STREAM_IDEMPOTENCY_TTL", 168)

	cfg.Notify.CaregiverWebhookURL = getEnv("NOTIFY_CAREGIVER_WEBHOOK", "")
	cfg.Notify.EmergencyWebhookURL = getEnv("NOTIFY_EMERGENCY_WEBHOOK", "")
	cfg.Notify.AppTopicPrefix = getEnv("NOTIFY_APP_TOPIC_PREFIX", "carelink/app/")
	cfg.Notify.WebhookTimeout = getEnvInt("NOTIFY_WEBHOOK_TIMEOUT", 10)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var parsed int
	if _, err := fmt.Sscanf(value, "%d", &parsed); err != nil {
		return defaultValue
	}
	return parsed
}
