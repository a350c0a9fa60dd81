// Package config loads process configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds every runtime setting.
type Config struct {
	Port     string
	LogLevel slog.Level

	DatabaseURL string
	LockTimeout time.Duration

	RedisURL string
	CacheTTL time.Duration

	AMQPURL        string
	NotifyExchange string
	PaymentQueue   string

	PlansFile string

	PayoutInterval        time.Duration
	SettlementInterval    time.Duration
	SettlementConcurrency int
	SettlementBatchSize   int

	MaxSymbolNotional decimal.Decimal
	MaxBaseNotional   decimal.Decimal
}

// Load reads the configuration. A missing .env file is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		Port:           get("PORT", "8080"),
		DatabaseURL:    get("DATABASE_URL", ""),
		RedisURL:       get("REDIS_URL", ""),
		AMQPURL:        get("AMQP_URL", ""),
		NotifyExchange: get("NOTIFY_EXCHANGE", "ledger.events"),
		PaymentQueue:   get("PAYMENT_QUEUE", "payments.confirmed"),
		PlansFile:      get("PLANS_FILE", "plans.yaml"),
	}

	var errs []error
	duration := func(key, def string) time.Duration {
		d, err := time.ParseDuration(get(key, def))
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s: %q", key, get(key, def)))
		}
		return d
	}
	positiveInt := func(key, def string) int {
		n, err := strconv.Atoi(get(key, def))
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s: %q", key, get(key, def)))
		}
		return n
	}
	amount := func(key, def string) decimal.Decimal {
		v, err := decimal.NewFromString(get(key, def))
		if err != nil || v.IsNegative() {
			errs = append(errs, fmt.Errorf("invalid %s: %q", key, get(key, def)))
		}
		return v
	}

	cfg.LockTimeout = duration("LOCK_TIMEOUT", "5s")
	cfg.CacheTTL = duration("CACHE_TTL", "30s")
	cfg.PayoutInterval = duration("PAYOUT_INTERVAL", "24h")
	cfg.SettlementInterval = duration("SETTLEMENT_INTERVAL", "1m")
	cfg.SettlementConcurrency = positiveInt("SETTLEMENT_CONCURRENCY", "4")
	cfg.SettlementBatchSize = positiveInt("SETTLEMENT_BATCH_SIZE", "500")
	cfg.MaxSymbolNotional = amount("MAX_SYMBOL_NOTIONAL", "1000000")
	cfg.MaxBaseNotional = amount("MAX_BASE_NOTIONAL", "5000000")

	if err := cfg.LogLevel.UnmarshalText([]byte(get("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}
