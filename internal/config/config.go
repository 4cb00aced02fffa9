package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Factory55/telegram-client/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	DatabaseSQLite = "sqlite"
	DatabaseRedis  = "redis"
)

type Config struct {
	TelegramBotToken string

	WebhookURL     string
	WebhookTimeout time.Duration
	MaxAttempts    int

	DatabaseType  string
	SQLiteDBPath  string
	RedisAddr     string
	RedisDB       int
	RedisPassword string

	BatchSize           int
	DispatchInterval    time.Duration
	DispatchWorkers     int
	RetryBackoff        time.Duration
	RetryBackoffCap     time.Duration
	MaxQueueSize        int
	RecoveryInterval    time.Duration
	StaleClaimThreshold time.Duration
	SentRetention       time.Duration

	AllowedChatsFile     string
	FilterReloadInterval time.Duration

	ManagementAddr      string
	ManagementJWTSecret string
	MetricsAddr         string

	LogLevel string
	LogFile  string
}

func Load() (*Config, error) {
	logger := log.NewLogger()
	// .env file is optional if variables are set elsewhere
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file loaded", zap.Error(err))
	}

	cfg := &Config{
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		WebhookURL:     os.Getenv("WEBHOOK_URL"),
		WebhookTimeout: envDuration("WEBHOOK_TIMEOUT", 30*time.Second),
		MaxAttempts:    envInt("WEBHOOK_RETRY_ATTEMPTS", 3),

		DatabaseType:  envString("DATABASE_TYPE", DatabaseSQLite),
		SQLiteDBPath:  envString("SQLITE_DB_PATH", "telegram_client.db"),
		RedisAddr:     envString("REDIS_ADDR", "localhost:6379"),
		RedisDB:       envInt("REDIS_DB", 0),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		BatchSize:           envInt("MESSAGE_BATCH_SIZE", 10),
		DispatchInterval:    envDuration("MESSAGE_PROCESSING_INTERVAL", 5*time.Second),
		DispatchWorkers:     envInt("DISPATCH_WORKERS", 4),
		RetryBackoff:        envDuration("RETRY_BACKOFF", time.Second),
		RetryBackoffCap:     envDuration("RETRY_BACKOFF_CAP", 5*time.Minute),
		MaxQueueSize:        envInt("MAX_QUEUE_SIZE", 1000),
		RecoveryInterval:    envDuration("RECOVERY_CHECK_INTERVAL", 60*time.Second),
		StaleClaimThreshold: envDuration("STALE_CLAIM_THRESHOLD", 5*time.Minute),
		SentRetention:       envDuration("SENT_RETENTION", 7*24*time.Hour),

		AllowedChatsFile:     envString("ALLOWED_CHATS_FILE", "allowed_chats.txt"),
		FilterReloadInterval: envDuration("FILTER_RELOAD_INTERVAL", 5*time.Second),

		ManagementAddr:      envString("MANAGEMENT_ADDR", ":8080"),
		ManagementJWTSecret: os.Getenv("MANAGEMENT_JWT_SECRET"),
		MetricsAddr:         envString("METRICS_ADDR", ":2112"),

		LogLevel: envString("LOG_LEVEL", "info"),
		LogFile:  os.Getenv("LOG_FILE"),
	}

	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("WEBHOOK_URL is required")
	}
	if cfg.TelegramBotToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if cfg.DatabaseType != DatabaseSQLite && cfg.DatabaseType != DatabaseRedis {
		return nil, fmt.Errorf("DATABASE_TYPE must be %q or %q, got %q", DatabaseSQLite, DatabaseRedis, cfg.DatabaseType)
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("WEBHOOK_RETRY_ATTEMPTS must be at least 1")
	}
	// The recovery monitor must never preempt an attempt that is still
	// inside its delivery timeout.
	if cfg.StaleClaimThreshold <= cfg.WebhookTimeout {
		return nil, fmt.Errorf("STALE_CLAIM_THRESHOLD (%s) must exceed WEBHOOK_TIMEOUT (%s)",
			cfg.StaleClaimThreshold, cfg.WebhookTimeout)
	}

	logger.Info("Config loaded",
		zap.String("database_type", cfg.DatabaseType),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("dispatch_interval", cfg.DispatchInterval))
	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envDuration accepts Go duration strings ("30s", "5m"); bare integers
// are read as seconds.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
