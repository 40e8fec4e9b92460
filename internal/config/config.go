package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the scheduler and worker binaries.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Limits   LimitsConfig   `yaml:"limits"`
	Worker   WorkerConfig   `yaml:"worker"`
	SMTP     SMTPConfig     `yaml:"smtp"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig holds the relational store connection settings.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the durable KV connection settings.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
}

// Addr returns the host:port address for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// LimitsConfig holds throughput ceilings and inter-send spacing.
type LimitsConfig struct {
	MaxEmailsPerHour          int `yaml:"max_emails_per_hour"`
	MaxEmailsPerHourPerSender int `yaml:"max_emails_per_hour_per_sender"`
	MinDelayBetweenEmailsMS   int `yaml:"min_delay_between_emails_ms"`
}

// MinDelay returns the minimum inter-send spacing as a duration.
func (l LimitsConfig) MinDelay() time.Duration {
	return time.Duration(l.MinDelayBetweenEmailsMS) * time.Millisecond
}

// WorkerConfig holds delivery worker pool settings.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// SMTPConfig holds the fallback SMTP transport settings, used when no
// active sender account row is available.
type SMTPConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Redis:  RedisConfig{Host: "localhost", Port: 6379},
		Limits: LimitsConfig{
			MaxEmailsPerHour:          200,
			MaxEmailsPerHourPerSender: 50,
			MinDelayBetweenEmailsMS:   2000,
		},
		Worker: WorkerConfig{Concurrency: 5},
		SMTP:   SMTPConfig{Port: 587},
	}
}

// Load reads configuration from a YAML file on top of the defaults.
// A missing file is not an error; env overrides still apply via LoadFromEnv.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, nil
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	return cfg, nil
}

// LoadFromEnv loads the YAML config (if any) and applies environment
// variable overrides. A .env file in the working directory is honored.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = envInt("PORT", cfg.Server.Port)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		cfg.Redis.Port = envInt("REDIS_PORT", cfg.Redis.Port)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	cfg.Limits.MaxEmailsPerHour = envInt("MAX_EMAILS_PER_HOUR", cfg.Limits.MaxEmailsPerHour)
	cfg.Limits.MaxEmailsPerHourPerSender = envInt("MAX_EMAILS_PER_HOUR_PER_SENDER", cfg.Limits.MaxEmailsPerHourPerSender)
	cfg.Limits.MinDelayBetweenEmailsMS = envInt("MIN_DELAY_BETWEEN_EMAILS_MS", cfg.Limits.MinDelayBetweenEmailsMS)
	cfg.Worker.Concurrency = envInt("WORKER_CONCURRENCY", cfg.Worker.Concurrency)

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		cfg.SMTP.Port = envInt("SMTP_PORT", cfg.SMTP.Port)
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_FROM_EMAIL"); v != "" {
		cfg.SMTP.FromEmail = v
	}
	if v := os.Getenv("SMTP_FROM_NAME"); v != "" {
		cfg.SMTP.FromName = v
	}

	return cfg, nil
}

// Validate checks that required settings are present. Misconfiguration is
// fatal at startup; both binaries exit non-zero on a Validate error.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if c.Limits.MaxEmailsPerHour <= 0 {
		return fmt.Errorf("MAX_EMAILS_PER_HOUR must be positive")
	}
	if c.Limits.MaxEmailsPerHourPerSender <= 0 {
		return fmt.Errorf("MAX_EMAILS_PER_HOUR_PER_SENDER must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	return nil
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
