package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
)

// Lock backends.
const (
	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

// Invoicing modes. Inline folds closed lots into drafts in-process; async
// leaves it to the worker consuming lot.closed from the broker.
const (
	InvoicingInline = "inline"
	InvoicingAsync  = "async"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Locks     LocksConfig     `mapstructure:"locks"`
	Extension ExtensionConfig `mapstructure:"extension"`
	Settle    SettleConfig    `mapstructure:"settle"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Invoicing InvoicingConfig `mapstructure:"invoicing"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig selects PostgreSQL when URL is set, the in-memory store otherwise.
type DatabaseConfig struct {
	URL         string        `mapstructure:"url"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	Queue    string `mapstructure:"queue"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type LocksConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type ExtensionConfig struct {
	Window      time.Duration `mapstructure:"window"`
	Increment   time.Duration `mapstructure:"increment"`
	MaxOvertime time.Duration `mapstructure:"max_overtime"`
}

type SettleConfig struct {
	WaitTimeout   time.Duration `mapstructure:"wait_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
}

type OutboxConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	Interval  time.Duration `mapstructure:"interval"`
}

type InvoicingConfig struct {
	Mode string `mapstructure:"mode"`
}

// Load reads .env.local then .env into the environment, applies defaults and
// environment overrides, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the config from defaults and the current environment only.
func FromEnv() (*Config, error) {
	v := viper.New()
	defaults := auction.DefaultExtensionPolicy()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.url", "")
	v.SetDefault("database.lock_timeout", 3*time.Second)
	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "settlement.events")
	v.SetDefault("rabbitmq.queue", "settlement_invoicing")
	v.SetDefault("redis.addr", "")
	v.SetDefault("locks.backend", LockBackendMemory)
	v.SetDefault("locks.ttl", 10*time.Second)
	v.SetDefault("extension.window", defaults.Window)
	v.SetDefault("extension.increment", defaults.Increment)
	v.SetDefault("extension.max_overtime", defaults.MaxOvertime)
	v.SetDefault("settle.wait_timeout", 30*time.Second)
	v.SetDefault("settle.poll_interval", time.Second)
	v.SetDefault("settle.sweep_schedule", "@every 1m")
	v.SetDefault("outbox.batch_size", 10)
	v.SetDefault("outbox.interval", time.Second)
	v.SetDefault("invoicing.mode", InvoicingInline)

	bindings := map[string]string{
		"server.addr":            "SETTLEMENT_HTTP_ADDR",
		"database.url":           "SETTLEMENT_DB_URL",
		"database.lock_timeout":  "DB_LOCK_TIMEOUT",
		"rabbitmq.url":           "RABBITMQ_URL",
		"rabbitmq.exchange":      "RABBITMQ_EXCHANGE",
		"rabbitmq.queue":         "RABBITMQ_INVOICING_QUEUE",
		"redis.addr":             "REDIS_URL",
		"locks.backend":          "SETTLEMENT_LOCK_BACKEND",
		"locks.ttl":              "SETTLEMENT_LOCK_TTL",
		"extension.window":       "EXTENSION_WINDOW",
		"extension.increment":    "EXTENSION_INCREMENT",
		"extension.max_overtime": "EXTENSION_MAX_OVERTIME",
		"settle.wait_timeout":    "SETTLE_WAIT_TIMEOUT",
		"settle.poll_interval":   "SETTLE_POLL_INTERVAL",
		"settle.sweep_schedule":  "SWEEP_SCHEDULE",
		"outbox.batch_size":      "OUTBOX_BATCH_SIZE",
		"outbox.interval":        "OUTBOX_INTERVAL",
		"invoicing.mode":         "SETTLEMENT_INVOICING_MODE",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.ExtensionPolicy().Validate(); err != nil {
		return err
	}
	switch c.Locks.Backend {
	case LockBackendMemory:
	case LockBackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("REDIS_URL is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.Locks.Backend)
	}
	switch c.Invoicing.Mode {
	case InvoicingInline:
	case InvoicingAsync:
		if c.RabbitMQ.URL == "" || c.Database.URL == "" {
			return errors.New("async invoicing needs RABBITMQ_URL and SETTLEMENT_DB_URL")
		}
	default:
		return fmt.Errorf("unknown invoicing mode %q", c.Invoicing.Mode)
	}
	if c.Settle.WaitTimeout <= 0 {
		return errors.New("SETTLE_WAIT_TIMEOUT must be positive")
	}
	if c.Settle.PollInterval <= 0 {
		return errors.New("SETTLE_POLL_INTERVAL must be positive")
	}
	return nil
}

// ExtensionPolicy is the soft-close policy the config describes.
func (c *Config) ExtensionPolicy() auction.ExtensionPolicy {
	return auction.ExtensionPolicy{
		Window:      c.Extension.Window,
		Increment:   c.Extension.Increment,
		MaxOvertime: c.Extension.MaxOvertime,
	}
}

// UsePostgres reports whether a database is configured.
func (c *Config) UsePostgres() bool {
	return c.Database.URL != ""
}
