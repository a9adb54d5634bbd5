// Package ticker handles equity symbol parsing and validation.
package ticker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/papertrade/ledger-engine/internal/ledger"
)

// symbolRegex matches 1–10 upper-case letters, digits, dots or dashes.
// Examples: AAPL, BRK.B, RDS-A
var symbolRegex = regexp.MustCompile(`^[A-Z0-9.\-]{1,10}$`)

var ErrInvalidTicker = errors.New("ticker: invalid symbol")

// Parse normalizes a symbol to upper case and validates it.
// The returned error matches both ErrInvalidTicker and ledger.ErrValidation.
func Parse(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %w: %q (expected 1-10 of A-Z 0-9 . -)",
			ledger.ErrValidation, ErrInvalidTicker, symbol)
	}
	return s, nil
}

// ParseList parses every symbol and drops duplicates, keeping first-seen order.
func ParseList(symbols []string) ([]string, error) {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, raw := range symbols {
		s, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}
