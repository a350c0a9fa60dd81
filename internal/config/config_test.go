package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(env(nil))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.PayoutInterval != 24*time.Hour {
		t.Errorf("PayoutInterval = %v", cfg.PayoutInterval)
	}
	if cfg.SettlementConcurrency != 4 || cfg.SettlementBatchSize != 500 {
		t.Errorf("settlement = %d/%d", cfg.SettlementConcurrency, cfg.SettlementBatchSize)
	}
	if !cfg.MaxSymbolNotional.Equal(decimal.NewFromInt(1000000)) {
		t.Errorf("MaxSymbolNotional = %s", cfg.MaxSymbolNotional)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
	if cfg.NotifyExchange != "ledger.events" || cfg.PaymentQueue != "payments.confirmed" {
		t.Errorf("amqp names = %q/%q", cfg.NotifyExchange, cfg.PaymentQueue)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"PORT":                   "9090",
		"LOG_LEVEL":              "debug",
		"LOCK_TIMEOUT":           "250ms",
		"SETTLEMENT_CONCURRENCY": "16",
		"MAX_BASE_NOTIONAL":      "0",
	}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Port != "9090" || cfg.LogLevel != slog.LevelDebug {
		t.Errorf("Port/LogLevel = %q/%v", cfg.Port, cfg.LogLevel)
	}
	if cfg.LockTimeout != 250*time.Millisecond {
		t.Errorf("LockTimeout = %v", cfg.LockTimeout)
	}
	if cfg.SettlementConcurrency != 16 {
		t.Errorf("SettlementConcurrency = %d", cfg.SettlementConcurrency)
	}
	if !cfg.MaxBaseNotional.IsZero() {
		t.Errorf("MaxBaseNotional = %s", cfg.MaxBaseNotional)
	}
}

func TestFromEnv_Invalid(t *testing.T) {
	_, err := FromEnv(env(map[string]string{
		"PAYOUT_INTERVAL":       "daily",
		"SETTLEMENT_BATCH_SIZE": "-1",
		"MAX_SYMBOL_NOTIONAL":   "lots",
		"LOG_LEVEL":             "chatty",
	}))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"PAYOUT_INTERVAL", "SETTLEMENT_BATCH_SIZE", "MAX_SYMBOL_NOTIONAL", "LOG_LEVEL"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}
