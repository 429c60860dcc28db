// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress   string `env:"RUN_ADDRESS"`
	DatabaseURI  string `env:"DATABASE_URI"`
	RedisAddress string `env:"REDIS_ADDRESS"`
	AuthSecret   string `env:"AUTH_SECRET"`

	// HTTPSEnabled означает, что сервис доступен только по HTTPS: cookie помечаются Secure,
	// HTTP-запросы перенаправляются. Не зависит от режима платёжного шлюза.
	HTTPSEnabled bool `env:"HTTPS_ENABLED" envDefault:"false"`

	Midtrans MidtransConfig `envPrefix:"MIDTRANS_"`
	Accurate AccurateConfig `envPrefix:"ACCURATE_"`

	KafkaBrokers    []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaOrderTopic string   `env:"KAFKA_ORDER_TOPIC" envDefault:"orders.status"`

	TaxRatePercent     float64       `env:"TAX_RATE_PERCENT" envDefault:"0"`
	ReservationTTL     time.Duration `env:"RESERVATION_TTL" envDefault:"24h"`
	CompletionCooldown time.Duration `env:"COMPLETION_COOLDOWN" envDefault:"168h"`
	CatalogSyncCron    string        `env:"CATALOG_SYNC_CRON" envDefault:"*/30 * * * *"`
	ReceiptRetryStep   time.Duration `env:"RECEIPT_RETRY_STEP" envDefault:"2s"`
}

// MidtransConfig содержит ключи платёжного шлюза.
type MidtransConfig struct {
	ServerKey    string `env:"SERVER_KEY"`
	ClientKey    string `env:"CLIENT_KEY"`
	IsProduction bool   `env:"IS_PRODUCTION" envDefault:"false"`
}

// AccurateConfig содержит параметры OAuth-клиента учётной системы.
type AccurateConfig struct {
	ClientID               string `env:"CLIENT_ID"`
	ClientSecret           string `env:"CLIENT_SECRET"`
	RedirectURL            string `env:"REDIRECT_URL"`
	AuthURL                string `env:"AUTH_URL" envDefault:"https://account.accurate.id/oauth/authorize"`
	TokenURL               string `env:"TOKEN_URL" envDefault:"https://account.accurate.id/oauth/token"`
	BaseURL                string `env:"BASE_URL" envDefault:"https://account.accurate.id"`
	DefaultPriceCategoryID int64  `env:"DEFAULT_PRICE_CATEGORY_ID"`
	ExpenseAccountNo       string `env:"EXPENSE_ACCOUNT_NO"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisAddress := cfg.RedisAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddress, "r", "localhost:6379", "redis address for job queue and caches")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.TaxRatePercent < 0 || cfg.TaxRatePercent > 100 {
		return nil, fmt.Errorf("tax rate out of range: %v", cfg.TaxRatePercent)
	}

	return cfg, nil
}
