package config

import (
	"log"
	"os"
	"time"

	"tilawa-gateway/pkg/logger"
	"tilawa-gateway/pkg/util"
)

type QueueConfig struct {
	RedisURL     string `env:"REDIS_URL"`
	Concurrency  int    `env:"QUEUE_CONCURRENCY"`
	MaxAttempts  int    `env:"QUEUE_MAX_ATTEMPTS"`
	BackoffMs    int    `env:"QUEUE_BACKOFF_MS"`
	CompletedTTL time.Duration
	CompletedMax int64
	FailedTTL    time.Duration
}

type Config struct {
	Addr      string `env:"ADDR"`
	Mode      string `env:"MODE"` // debug | release
	APIPrefix string `env:"API_PREFIX"`
	DBDriver  string `env:"DB_DRIVER"`
	DSN       string `env:"DSN"`
	Log       logger.LogConfig

	AIBaseURL   string        `env:"AI_BASE_URL"`
	AITimeout   time.Duration // AI_TIMEOUT_SECONDS，默认 30s
	UploadLimit int64         `env:"UPLOAD_MAX_BYTES"`

	StorageDriver string `env:"STORAGE_DRIVER"` // local | minio | cos
	Queue         QueueConfig
}

var GlobalConfig *Config

func Load() error {
	// 1. 根据环境加载 .env 文件
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}
	if err := util.LoadEnv(env); err != nil {
		log.Printf("Failed to load .env file: %v", err)
	}

	// 2. 加载全局配置
	GlobalConfig = &Config{
		Addr:      util.GetEnvDefault("ADDR", ":8080"),
		Mode:      util.GetEnvDefault("MODE", "debug"),
		APIPrefix: util.GetEnvDefault("API_PREFIX", "/api"),
		DBDriver:  util.GetEnv("DB_DRIVER"),
		DSN:       util.GetEnv("DSN"),
		Log: logger.LogConfig{
			Level:      util.GetEnv("LOG_LEVEL"),
			Filename:   util.GetEnv("LOG_FILENAME"),
			MaxSize:    int(util.GetIntEnv("LOG_MAX_SIZE")),
			MaxAge:     int(util.GetIntEnv("LOG_MAX_AGE")),
			MaxBackups: int(util.GetIntEnv("LOG_MAX_BACKUPS")),
		},
		AIBaseURL:     util.GetEnvDefault("AI_BASE_URL", "http://localhost:8000"),
		AITimeout:     time.Duration(util.GetIntEnvDefault("AI_TIMEOUT_SECONDS", 30)) * time.Second,
		UploadLimit:   util.GetIntEnvDefault("UPLOAD_MAX_BYTES", 100<<20),
		StorageDriver: util.GetEnvDefault("STORAGE_DRIVER", "local"),
		Queue: QueueConfig{
			RedisURL:     util.GetEnvDefault("REDIS_URL", "redis://localhost:6379/0"),
			Concurrency:  int(util.GetIntEnvDefault("QUEUE_CONCURRENCY", 4)),
			MaxAttempts:  int(util.GetIntEnvDefault("QUEUE_MAX_ATTEMPTS", 3)),
			BackoffMs:    int(util.GetIntEnvDefault("QUEUE_BACKOFF_MS", 5000)),
			CompletedTTL: time.Duration(util.GetIntEnvDefault("QUEUE_COMPLETED_TTL_SECONDS", 3600)) * time.Second,
			CompletedMax: util.GetIntEnvDefault("QUEUE_COMPLETED_MAX", 1000),
			FailedTTL:    time.Duration(util.GetIntEnvDefault("QUEUE_FAILED_TTL_SECONDS", 7*24*3600)) * time.Second,
		},
	}
	return nil
}
