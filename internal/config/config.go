package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	DBDSN    string `env:"DB_DSN" envDefault:"grantmarket.db"` // sqlite file in working dir
	LogFile  string `env:"LOG_FILE"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	FacilitatorURL    string        `env:"FACILITATOR_URL" envDefault:"https://x402.org/facilitator"`
	FacilitatorAPIKey string        `env:"FACILITATOR_API_KEY"`
	SettlementTimeout time.Duration `env:"SETTLEMENT_TIMEOUT" envDefault:"30s"`
	HoldTTL           time.Duration `env:"HOLD_TTL" envDefault:"2m"`
	PublicBaseURL     string        `env:"PUBLIC_BASE_URL"`
	SupportedChains   []int64       `env:"SUPPORTED_CHAINS" envDefault:"8453,84532" envSeparator:","`

	SignatureMaxAge  time.Duration `env:"SIGNATURE_MAX_AGE" envDefault:"5m"`
	SignatureMaxSkew time.Duration `env:"SIGNATURE_MAX_SKEW" envDefault:"30s"`

	DiscordWebhookURL string `env:"DISCORD_WEBHOOK_URL"`
	NotifyQueueSize   int    `env:"NOTIFY_QUEUE_SIZE" envDefault:"64"`

	IdentityURL string        `env:"IDENTITY_URL"`
	IdentityTTL time.Duration `env:"IDENTITY_TTL" envDefault:"72h"`

	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"60"`
}

// Load parses the environment. Invalid values are returned as errors so the
// binary refuses to start with a half-understood config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	log.Printf("[config] PORT=%s DB_DSN=%s LOG_FILE=%s FACILITATOR_URL=%s CHAINS=%v SETTLEMENT_TIMEOUT=%s HOLD_TTL=%s",
		cfg.Port, cfg.DBDSN, cfg.LogFile, cfg.FacilitatorURL, cfg.SupportedChains, cfg.SettlementTimeout, cfg.HoldTTL)
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.SupportedChains) == 0 {
		return fmt.Errorf("SUPPORTED_CHAINS must list at least one chain id")
	}
	if c.SettlementTimeout <= 0 {
		return fmt.Errorf("SETTLEMENT_TIMEOUT must be positive")
	}
	if c.HoldTTL < c.SettlementTimeout {
		return fmt.Errorf("HOLD_TTL (%s) must cover SETTLEMENT_TIMEOUT (%s)", c.HoldTTL, c.SettlementTimeout)
	}
	if c.SignatureMaxAge <= 0 || c.SignatureMaxSkew < 0 {
		return fmt.Errorf("signature window must be positive")
	}
	if c.NotifyQueueSize < 1 {
		return fmt.Errorf("NOTIFY_QUEUE_SIZE must be >= 1")
	}
	if c.RateLimitPerMinute < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be >= 1")
	}
	return nil
}
