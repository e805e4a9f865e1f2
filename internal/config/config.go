// Package config содержит логику чтения конфигурации сервиса гарантий.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress           = "localhost:8080"
	defaultStateRefreshInterval = time.Minute
)

// Config содержит параметры конфигурации сервиса гарантий.
type Config struct {
	RunAddress           string        `env:"RUN_ADDRESS"`
	DatabaseURI          string        `env:"DATABASE_URI"`
	StripeSecretKey      string        `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret  string        `env:"STRIPE_WEBHOOK_SECRET"`
	AuthJWTSecret        string        `env:"AUTH_JWT_SECRET"`
	RedisAddress         string        `env:"REDIS_ADDRESS"`
	StateRefreshInterval time.Duration `env:"STATE_REFRESH_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.StripeSecretKey, "s", "", "Stripe secret API key")
	flag.StringVar(&cfg.StripeWebhookSecret, "w", "", "Stripe webhook signing secret")
	flag.StringVar(&cfg.AuthJWTSecret, "j", "", "auth provider JWT secret")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for realtime event relay")
	flag.DurationVar(&cfg.StateRefreshInterval, "i", defaultStateRefreshInterval, "enrollment state metrics refresh interval")

	flag.Parse()

	overrideString(&cfg.RunAddress, fromEnv.RunAddress)
	overrideString(&cfg.DatabaseURI, fromEnv.DatabaseURI)
	overrideString(&cfg.StripeSecretKey, fromEnv.StripeSecretKey)
	overrideString(&cfg.StripeWebhookSecret, fromEnv.StripeWebhookSecret)
	overrideString(&cfg.AuthJWTSecret, fromEnv.AuthJWTSecret)
	overrideString(&cfg.RedisAddress, fromEnv.RedisAddress)
	if fromEnv.StateRefreshInterval > 0 {
		cfg.StateRefreshInterval = fromEnv.StateRefreshInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.StateRefreshInterval <= 0 {
		cfg.StateRefreshInterval = defaultStateRefreshInterval
	}

	return cfg, nil
}

func overrideString(dst *string, envValue string) {
	if envValue != "" {
		*dst = envValue
	}
}
