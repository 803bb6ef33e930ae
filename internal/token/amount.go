// Package token converts between human token amounts and the integer
// minor-unit values used on every protocol boundary.
package token

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a human amount ("100", "0.5") into minor units for a
// token with the given number of decimals. Fractions finer than the token
// supports are rejected.
func ParseAmount(human string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(human))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", human, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %q is negative", human)
	}
	raw := d.Shift(decimals)
	if !raw.Equal(raw.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", human, decimals)
	}
	return raw.BigInt(), nil
}

// FormatAmount renders minor units as a human amount, trimming trailing
// zeros.
func FormatAmount(raw *big.Int, decimals int32) string {
	if raw == nil {
		return "0"
	}
	return decimal.NewFromBigInt(raw, -decimals).String()
}

// FormatRaw is FormatAmount for string-carried minor units; malformed input
// is returned unchanged.
func FormatRaw(raw string, decimals int32) string {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return raw
	}
	return FormatAmount(v, decimals)
}
