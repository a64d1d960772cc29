package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Ledger    LedgerConfig    `yaml:"ledger"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LedgerConfig holds cache TTLs for the advisory read paths.
type LedgerConfig struct {
	BalanceCacheTTLSeconds int `yaml:"balance_cache_ttl_seconds"`
	SettingCacheTTLSeconds int `yaml:"setting_cache_ttl_seconds"`
}

func (c LedgerConfig) BalanceCacheTTL() time.Duration {
	if c.BalanceCacheTTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.BalanceCacheTTLSeconds) * time.Second
}

func (c LedgerConfig) SettingCacheTTL() time.Duration {
	if c.SettingCacheTTLSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.SettingCacheTTLSeconds) * time.Second
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	return &cfg, nil
}
