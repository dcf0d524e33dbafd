// Package config loads engine configuration from a YAML file with optional
// .env and environment-variable overrides.
package config

import (
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the campaign engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Engine    EngineConfig    `yaml:"engine"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifeMins int    `yaml:"conn_max_life_mins"`
}

// RedisConfig holds the scheduler/lock Redis settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EngineConfig holds dispatch worker pool settings.
type EngineConfig struct {
	Workers             int `yaml:"workers"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	PollBatchSize       int `yaml:"poll_batch_size"`
	SendMaxRetries      int `yaml:"send_max_retries"`
	CampaignCacheTTLSec int `yaml:"campaign_cache_ttl_seconds"`
}

// TransportConfig selects and configures the outbound mail transport.
type TransportConfig struct {
	// Provider is "ses" or "log".
	Provider  string    `yaml:"provider"`
	FromName  string    `yaml:"from_name"`
	FromEmail string    `yaml:"from_email"`
	SES       SESConfig `yaml:"ses"`
}

// SESConfig holds AWS SES credentials.
type SESConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads a YAML config file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifeMins == 0 {
		cfg.Database.ConnMaxLifeMins = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = 8
	}
	if cfg.Engine.PollIntervalSeconds == 0 {
		cfg.Engine.PollIntervalSeconds = 5
	}
	if cfg.Engine.PollBatchSize == 0 {
		cfg.Engine.PollBatchSize = 100
	}
	if cfg.Engine.SendMaxRetries == 0 {
		cfg.Engine.SendMaxRetries = 3
	}
	if cfg.Engine.CampaignCacheTTLSec == 0 {
		cfg.Engine.CampaignCacheTTLSec = 30
	}
	if cfg.Transport.Provider == "" {
		cfg.Transport.Provider = "log"
	}
	if cfg.Transport.SES.Region == "" {
		cfg.Transport.SES.Region = "us-east-1"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads the config file and overrides secrets and deploy-specific
// values from the environment (.env is read first when present).
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.Transport.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.Transport.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.Transport.SES.Region = v
	}
	if v := os.Getenv("MAIL_PROVIDER"); v != "" {
		cfg.Transport.Provider = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}
