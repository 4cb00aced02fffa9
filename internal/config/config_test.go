package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("WEBHOOK_URL", "http://localhost:9000/webhook")
	t.Setenv("TELEGRAM_BOT_TOKEN", "test-token")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %s", err)
	}

	if cfg.WebhookTimeout != 30*time.Second {
		t.Errorf("WebhookTimeout = %s", cfg.WebhookTimeout)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d", cfg.MaxAttempts)
	}
	if cfg.DatabaseType != DatabaseSQLite {
		t.Errorf("DatabaseType = %q", cfg.DatabaseType)
	}
	if cfg.BatchSize != 10 {
		t.Errorf("BatchSize = %d", cfg.BatchSize)
	}
	if cfg.DispatchInterval != 5*time.Second {
		t.Errorf("DispatchInterval = %s", cfg.DispatchInterval)
	}
	if cfg.MaxQueueSize != 1000 {
		t.Errorf("MaxQueueSize = %d", cfg.MaxQueueSize)
	}
	if cfg.RecoveryInterval != 60*time.Second {
		t.Errorf("RecoveryInterval = %s", cfg.RecoveryInterval)
	}
	if cfg.SentRetention != 7*24*time.Hour {
		t.Errorf("SentRetention = %s", cfg.SentRetention)
	}
	if cfg.FilterReloadInterval != 5*time.Second {
		t.Errorf("FilterReloadInterval = %s", cfg.FilterReloadInterval)
	}
}

func TestLoadRequiredVars(t *testing.T) {
	t.Setenv("WEBHOOK_URL", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "test-token")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without WEBHOOK_URL")
	}

	t.Setenv("WEBHOOK_URL", "http://localhost:9000/webhook")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without TELEGRAM_BOT_TOKEN")
	}
}

func TestLoadRejectsUnknownDatabase(t *testing.T) {
	setRequired(t)
	t.Setenv("DATABASE_TYPE", "postgres")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unsupported database type")
	}
}

func TestLoadRejectsZeroAttempts(t *testing.T) {
	setRequired(t)
	t.Setenv("WEBHOOK_RETRY_ATTEMPTS", "0")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for zero retry attempts")
	}
}

func TestStaleThresholdMustExceedTimeout(t *testing.T) {
	setRequired(t)
	t.Setenv("WEBHOOK_TIMEOUT", "60s")
	t.Setenv("STALE_CLAIM_THRESHOLD", "30s")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error when threshold is inside the delivery timeout")
	}
}

func TestDurationFormats(t *testing.T) {
	setRequired(t)

	// Bare integers are seconds.
	t.Setenv("WEBHOOK_TIMEOUT", "45")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %s", err)
	}
	if cfg.WebhookTimeout != 45*time.Second {
		t.Errorf("bare integer: WebhookTimeout = %s", cfg.WebhookTimeout)
	}

	t.Setenv("WEBHOOK_TIMEOUT", "2m")
	t.Setenv("STALE_CLAIM_THRESHOLD", "10m")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("load: %s", err)
	}
	if cfg.WebhookTimeout != 2*time.Minute {
		t.Errorf("duration string: WebhookTimeout = %s", cfg.WebhookTimeout)
	}

	// Unparseable values fall back to the default.
	t.Setenv("WEBHOOK_TIMEOUT", "soon")
	t.Setenv("STALE_CLAIM_THRESHOLD", "")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("load: %s", err)
	}
	if cfg.WebhookTimeout != 30*time.Second {
		t.Errorf("fallback: WebhookTimeout = %s", cfg.WebhookTimeout)
	}
}

func TestEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DATABASE_TYPE", "redis")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("MESSAGE_BATCH_SIZE", "25")
	t.Setenv("MAX_QUEUE_SIZE", "5000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %s", err)
	}
	if cfg.DatabaseType != DatabaseRedis || cfg.RedisAddr != "redis.internal:6380" {
		t.Errorf("redis settings not applied: %q %q", cfg.DatabaseType, cfg.RedisAddr)
	}
	if cfg.BatchSize != 25 || cfg.MaxQueueSize != 5000 {
		t.Errorf("queue settings not applied: %d %d", cfg.BatchSize, cfg.MaxQueueSize)
	}
}
