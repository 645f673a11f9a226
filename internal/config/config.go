// Package config содержит логику чтения конфигурации сервиса расчётов по заказам.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress        = "localhost:8080"
	defaultOrderTTL          = 30 * time.Minute
	defaultAuthSecret        = "settlement-secret"
	defaultReconcileSchedule = "0 */5 * * * *"
	defaultWorkers           = 4
	defaultPollInterval      = 500 * time.Millisecond
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress          string        `env:"RUN_ADDRESS"`
	DatabaseURI         string        `env:"DATABASE_URI"`
	RedisAddress        string        `env:"REDIS_ADDRESS"`
	OrderServiceAddress string        `env:"ORDER_SERVICE_ADDRESS"`
	OrderTTL            time.Duration `env:"ORDER_TTL"`
	AuthSecret          string        `env:"AUTH_SECRET"`
	InternalSecret      string        `env:"INTERNAL_SECRET"`
	ReconcileSchedule   string        `env:"RECONCILE_SCHEDULE"`
	Workers             int           `env:"WORKERS"`
	PollInterval        time.Duration `env:"POLL_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	envCfg := Config{}
	if err := env.Parse(&envCfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddress, "redis", "", "redis address for delayed queue and locks")
	flag.StringVar(&cfg.OrderServiceAddress, "o", "", "remote order service address")
	flag.DurationVar(&cfg.OrderTTL, "ttl", defaultOrderTTL, "time to pay before an order is canceled")
	flag.StringVar(&cfg.AuthSecret, "s", defaultAuthSecret, "auth cookie secret")
	flag.StringVar(&cfg.InternalSecret, "is", "", "secret of service tokens for the internal order API")
	flag.StringVar(&cfg.ReconcileSchedule, "reconcile", defaultReconcileSchedule, "cron schedule of stale order sweep")
	flag.IntVar(&cfg.Workers, "w", defaultWorkers, "workers per consumed topic")
	flag.DurationVar(&cfg.PollInterval, "poll", defaultPollInterval, "broker poll interval")

	flag.Parse()

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.DatabaseURI != "" {
		cfg.DatabaseURI = envCfg.DatabaseURI
	}
	if envCfg.RedisAddress != "" {
		cfg.RedisAddress = envCfg.RedisAddress
	}
	if envCfg.OrderServiceAddress != "" {
		cfg.OrderServiceAddress = envCfg.OrderServiceAddress
	}
	if envCfg.OrderTTL != 0 {
		cfg.OrderTTL = envCfg.OrderTTL
	}
	if envCfg.AuthSecret != "" {
		cfg.AuthSecret = envCfg.AuthSecret
	}
	if envCfg.InternalSecret != "" {
		cfg.InternalSecret = envCfg.InternalSecret
	}
	if envCfg.ReconcileSchedule != "" {
		cfg.ReconcileSchedule = envCfg.ReconcileSchedule
	}
	if envCfg.Workers != 0 {
		cfg.Workers = envCfg.Workers
	}
	if envCfg.PollInterval != 0 {
		cfg.PollInterval = envCfg.PollInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.OrderTTL <= 0 {
		return nil, fmt.Errorf("order ttl must be positive, got %s", cfg.OrderTTL)
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}
	if cfg.InternalSecret != "" && cfg.InternalSecret == cfg.AuthSecret {
		return nil, fmt.Errorf("internal secret must differ from auth secret")
	}

	return cfg, nil
}
