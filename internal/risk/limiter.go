// Package risk implements open-notional limits for leveraged positions.
//
// A trader holding BTC-USDT and BTC-USDC is exposed to the same base asset
// twice. The limiter caps open notional per symbol and, across all symbols
// that share a base asset, per base.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/instrument"
)

var (
	// ErrSymbolLimitExceeded is returned when a position would push a single
	// symbol's open notional beyond the per-symbol maximum.
	ErrSymbolLimitExceeded = errors.New("risk: per-symbol notional limit exceeded")

	// ErrBaseLimitExceeded is returned when a position would push the
	// aggregate open notional across symbols sharing a base asset beyond
	// the per-base maximum.
	ErrBaseLimitExceeded = errors.New("risk: per-base-asset notional limit exceeded")
)

// ExposureLimiter enforces notional limits. A zero limit disables that check.
type ExposureLimiter struct {
	// MaxPerSymbol is the maximum open notional in any single symbol.
	MaxPerSymbol decimal.Decimal

	// MaxPerBase is the maximum aggregate open notional across all
	// symbols with the same base asset.
	MaxPerBase decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given limits.
func NewExposureLimiter(maxPerSymbol, maxPerBase decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerSymbol: maxPerSymbol,
		MaxPerBase:   maxPerBase,
	}
}

// CheckLimit validates whether opening notionalDelta more in symbol
// respects the limits.
//
// Parameters:
//   - symbol: canonical BASE-QUOTE symbol being opened
//   - notionalDelta: notional of the new position (size × entry price)
//   - existing: map of symbol → current open notional for this account
//
// Returns nil if the position is within limits, or an error describing the violation.
func (l *ExposureLimiter) CheckLimit(
	symbol string,
	notionalDelta decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	if l == nil {
		return nil
	}

	// 1. Per-symbol limit.
	newInSymbol := existing[symbol].Add(notionalDelta)
	if l.MaxPerSymbol.IsPositive() && newInSymbol.GreaterThan(l.MaxPerSymbol) {
		return ErrSymbolLimitExceeded
	}

	// 2. Per-base limit: sum notional across symbols sharing the base.
	if !l.MaxPerBase.IsPositive() {
		return nil
	}
	target := baseOf(symbol)
	total := newInSymbol
	for sym, notional := range existing {
		if sym == symbol {
			continue // already counted via newInSymbol above
		}
		if baseOf(sym) == target {
			total = total.Add(notional)
		}
	}
	if total.GreaterThan(l.MaxPerBase) {
		return ErrBaseLimitExceeded
	}
	return nil
}

// baseOf returns the base asset of a symbol, or the symbol itself if it
// cannot be parsed.
func baseOf(symbol string) string {
	s, err := instrument.Parse(symbol)
	if err != nil {
		return symbol
	}
	return s.Base
}
