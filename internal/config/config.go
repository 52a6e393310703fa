package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	BookingURL string `envconfig:"BOOKING_URL" default:"https://ttp.cbp.dhs.gov/"`

	Upstream  UpstreamConfig
	Store     StoreConfig
	Bridge    BridgeConfig
	Log       LogConfig
	Notify    NotifyConfig
	Automator AutomatorConfig
}

type UpstreamConfig struct {
	BaseURL      string        `envconfig:"UPSTREAM_BASE_URL" default:"https://ttp.cbp.dhs.gov/schedulerapi"`
	RPS          float64       `envconfig:"UPSTREAM_RPS" default:"1"`
	Timeout      time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"15s"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"60s"`
	LocationTTL  time.Duration `envconfig:"LOCATION_CACHE_TTL" default:"1h"`
}

type StoreConfig struct {
	Driver        string `envconfig:"STORE_DRIVER" default:"sqlite"`
	DSN           string `envconfig:"STORE_DSN"`
	RedisURL      string `envconfig:"REDIS_URL"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisKey      string `envconfig:"REDIS_KEY"`
}

type BridgeConfig struct {
	AllowedOrigins string `envconfig:"BRIDGE_ALLOWED_ORIGINS"`
	HashKey        Key    `envconfig:"BRIDGE_HASH_KEY"`
	BlockKey       Key    `envconfig:"BRIDGE_BLOCK_KEY"`
}

type LogConfig struct {
	Level      string `envconfig:"LOG_LEVEL" default:"info"`
	Format     string `envconfig:"LOG_FORMAT" default:"text"`
	File       string `envconfig:"LOG_FILE"`
	MaxSizeMB  int    `envconfig:"LOG_MAX_SIZE_MB" default:"10"`
	MaxBackups int    `envconfig:"LOG_MAX_BACKUPS" default:"3"`
	MaxAgeDays int    `envconfig:"LOG_MAX_AGE_DAYS" default:"7"`
	Compress   bool   `envconfig:"LOG_COMPRESS" default:"false"`
}

type NotifyConfig struct {
	SlackWebhookURL   string `envconfig:"SLACK_WEBHOOK_URL"`
	TelegramBotToken  string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID    int64  `envconfig:"TELEGRAM_CHAT_ID"`
	TelegramAPIServer string `envconfig:"TELEGRAM_API_SERVER"`
}

type AutomatorConfig struct {
	Attempts int           `envconfig:"AUTOMATOR_ATTEMPTS" default:"60"`
	Interval time.Duration `envconfig:"AUTOMATOR_INTERVAL" default:"500ms"`
	Headless bool          `envconfig:"AUTOMATOR_HEADLESS" default:"true"`
}

// Key is a base64 secret. The value may also name a file holding it, for
// secret mounts.
type Key []byte

func (k *Key) Decode(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		*k = nil
		return nil
	}
	if b, err := os.ReadFile(value); err == nil {
		value = strings.TrimSpace(string(b))
	}
	dec, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("decode base64 key: %w", err)
	}
	switch len(dec) {
	case 16, 24, 32, 64:
	default:
		return fmt.Errorf("key must be 16, 24, 32 or 64 bytes, got %d", len(dec))
	}
	*k = dec
	return nil
}

// FromEnv loads .env (if present) and then the process environment.
// Variables already set in the environment win over .env entries.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Upstream.PollInterval < time.Second {
		return fmt.Errorf("POLL_INTERVAL must be at least 1s")
	}
	if c.Upstream.RPS < 0 {
		return fmt.Errorf("UPSTREAM_RPS must not be negative")
	}
	switch strings.ToLower(c.Store.Driver) {
	case "", "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if (len(c.Bridge.HashKey) == 0) != (len(c.Bridge.BlockKey) == 0) {
		return fmt.Errorf("BRIDGE_HASH_KEY and BRIDGE_BLOCK_KEY must be set together")
	}
	if c.Automator.Attempts < 1 {
		return fmt.Errorf("AUTOMATOR_ATTEMPTS must be positive")
	}
	return nil
}
