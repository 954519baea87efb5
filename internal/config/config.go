package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	LockLocal = "local"
	LockRedis = "redis"
)

type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Backup        BackupConfig        `yaml:"backup"`
	Redis         RedisConfig         `yaml:"redis"`
	Locking       LockingConfig       `yaml:"locking"`
	Telegram      TelegramConfig      `yaml:"telegram"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Ranking       RankingConfig       `yaml:"ranking"`
	HTTP          HTTPConfig          `yaml:"http"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	IntervalHours int    `yaml:"interval_hours"`
	StoragePath   string `yaml:"storage_path"`
	RetentionDays int    `yaml:"retention_days"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LockingConfig struct {
	Backend    string `yaml:"backend"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	Enabled  bool   `yaml:"enabled"`
	Debug    bool   `yaml:"debug"`
}

type NotificationsConfig struct {
	QueueSize     int     `yaml:"queue_size"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	MaxRetries    int     `yaml:"max_retries"`
}

type RankingConfig struct {
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
	TopPercent      float64 `yaml:"top_percent"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type MonitoringConfig struct {
	HealthCheckPort   int  `yaml:"health_check_port"`
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads the YAML config at path. A .env file next to the working
// directory is loaded first so its variables can fill ${VAR} placeholders.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "configs/config.yaml"
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes raw YAML, expanding environment placeholders and applying defaults.
func Parse(data []byte) (*Config, error) {
	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Database.Driver == DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/village.db"
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "data/backups"
	}
	if c.Backup.IntervalHours <= 0 {
		c.Backup.IntervalHours = 24
	}
	if c.Locking.Backend == "" {
		c.Locking.Backend = LockLocal
	}
	if c.Locking.TTLSeconds <= 0 {
		c.Locking.TTLSeconds = 10
	}
	if c.Notifications.QueueSize <= 0 {
		c.Notifications.QueueSize = 1024
	}
	if c.Notifications.RatePerSecond <= 0 {
		c.Notifications.RatePerSecond = 25
	}
	if c.Notifications.Burst <= 0 {
		c.Notifications.Burst = 5
	}
	if c.Notifications.MaxRetries <= 0 {
		c.Notifications.MaxRetries = 3
	}
	if c.Ranking.CacheTTLSeconds <= 0 {
		c.Ranking.CacheTTLSeconds = 300
	}
	if c.Ranking.TopPercent <= 0 {
		c.Ranking.TopPercent = 0.1
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Monitoring.HealthCheckPort == 0 {
		c.Monitoring.HealthCheckPort = 8090
	}
	if c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	switch c.Locking.Backend {
	case LockLocal:
	case LockRedis:
		if c.Redis.Address == "" {
			return errors.New("redis.address is required for redis locking")
		}
	default:
		return fmt.Errorf("unknown locking.backend %q", c.Locking.Backend)
	}

	if c.Ranking.TopPercent > 1 {
		return fmt.Errorf("ranking.top_percent must be in (0, 1], got %v", c.Ranking.TopPercent)
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return errors.New("telegram.bot_token is required when telegram is enabled")
	}
	return nil
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Locking.TTLSeconds) * time.Second
}

func (c *Config) RankingTTL() time.Duration {
	return time.Duration(c.Ranking.CacheTTLSeconds) * time.Second
}
