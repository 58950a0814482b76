package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MaxIdle  int    `yaml:"max_idle"`
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config CDS报警引擎服务配置
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`

	// CDS 引擎特定配置
	CDS struct {
		// Redis 缓存配置
		Cache struct {
			SignalKeyPrefix   string `yaml:"signal_key_prefix"`   // 患者信号缓存键前缀，如 "cds:patient:"
			SignalSuffix      string `yaml:"signal_suffix"`       // 患者信号缓存键后缀，如 ":signals"
			SnapshotKeyPrefix string `yaml:"snapshot_key_prefix"` // 快照缓存键前缀，如 "cds:patient:"
			SnapshotSuffix    string `yaml:"snapshot_suffix"`     // 快照缓存键后缀，如 ":snapshot"
			SnapshotTTL       int    `yaml:"snapshot_ttl"`        // 快照缓存 TTL（秒），默认 30秒
		} `yaml:"cache"`

		// 评估配置
		Evaluation struct {
			PollInterval int `yaml:"poll_interval"` // 评估轮询间隔（秒），默认 60秒
			BatchSize    int `yaml:"batch_size"`    // 批量评估患者数量，默认 20
			Workers      int `yaml:"workers"`       // 并行评估 worker 数量，默认 4
		} `yaml:"evaluation"`

		// 升级巡检配置
		Escalation struct {
			SweepSchedule string `yaml:"sweep_schedule"` // cron 表达式，默认 "@every 10m"
		} `yaml:"escalation"`

		// 报警通知流配置
		Stream struct {
			AlertStream string `yaml:"alert_stream"` // 新报警实例的 Streams 名称，如 "cds:alert-instances"
		} `yaml:"stream"`
	} `yaml:"cds"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load 加载配置
// 优先级：默认值 < 配置文件（CDS_CONFIG_FILE 指定）< 环境变量
func Load() (*Config, error) {
	cfg := defaults()

	// 配置文件（可选）
	if path := os.Getenv("CDS_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// 环境变量覆盖
	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnv("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)

	cfg.CDS.Cache.SignalKeyPrefix = getEnv("CACHE_SIGNAL_PREFIX", cfg.CDS.Cache.SignalKeyPrefix)
	cfg.CDS.Cache.SnapshotKeyPrefix = getEnv("CACHE_SNAPSHOT_PREFIX", cfg.CDS.Cache.SnapshotKeyPrefix)
	cfg.CDS.Evaluation.PollInterval = getEnvInt("EVAL_POLL_INTERVAL", cfg.CDS.Evaluation.PollInterval)
	cfg.CDS.Evaluation.BatchSize = getEnvInt("EVAL_BATCH_SIZE", cfg.CDS.Evaluation.BatchSize)
	cfg.CDS.Evaluation.Workers = getEnvInt("EVAL_WORKERS", cfg.CDS.Evaluation.Workers)
	cfg.CDS.Escalation.SweepSchedule = getEnv("ESCALATION_SWEEP_SCHEDULE", cfg.CDS.Escalation.SweepSchedule)
	cfg.CDS.Stream.AlertStream = getEnv("ALERT_STREAM", cfg.CDS.Stream.AlertStream)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	return cfg, nil
}

// defaults 默认配置
func defaults() *Config {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "renalwatch"
	cfg.Database.SSLMode = "disable"

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.Password = ""
	cfg.Redis.DB = 0

	cfg.CDS.Cache.SignalKeyPrefix = "cds:patient:"
	cfg.CDS.Cache.SignalSuffix = ":signals"
	cfg.CDS.Cache.SnapshotKeyPrefix = "cds:patient:"
	cfg.CDS.Cache.SnapshotSuffix = ":snapshot"
	cfg.CDS.Cache.SnapshotTTL = 30

	cfg.CDS.Evaluation.PollInterval = 60
	cfg.CDS.Evaluation.BatchSize = 20
	cfg.CDS.Evaluation.Workers = 4

	cfg.CDS.Escalation.SweepSchedule = "@every 10m"

	cfg.CDS.Stream.AlertStream = "cds:alert-instances"

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
