// Package instrument handles trading symbol parsing and validation.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// symbolRegex matches: {BASE}-{QUOTE} or {BASE}/{QUOTE}
// Example: BTC-USDT, ETH/USD
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,12})[-/]([A-Z0-9]{2,12})$`)

var ErrInvalidSymbol = errors.New("instrument: invalid symbol format")

// Symbol is a parsed trading pair.
type Symbol struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// String returns the canonical BASE-QUOTE form.
func (s Symbol) String() string {
	return s.Base + "-" + s.Quote
}

// Parse parses and validates a trading symbol. Lower case input is
// accepted; the result is always upper case.
func Parse(raw string) (Symbol, error) {
	matches := symbolRegex.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(raw)))
	if matches == nil {
		return Symbol{}, fmt.Errorf("%w: %q (expected BASE-QUOTE)", ErrInvalidSymbol, raw)
	}
	if matches[1] == matches[2] {
		return Symbol{}, fmt.Errorf("%w: %q has identical base and quote", ErrInvalidSymbol, raw)
	}
	return Symbol{Base: matches[1], Quote: matches[2]}, nil
}

// Canonical returns the BASE-QUOTE form of raw, or an error.
func Canonical(raw string) (string, error) {
	s, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return s.String(), nil
}
