package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ParseQuantity parses a decimal string ("12.5") into minor units at cfg's
// precision. Values carrying more fractional digits than cfg allows are
// rejected rather than rounded.
func ParseQuantity(s string, cfg DecimalConfig) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	scaled := d.Shift(int32(cfg.DecimalPrecision))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%q has more than %d decimal places", s, cfg.DecimalPrecision)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, ErrOverflow
	}
	return scaled.IntPart(), nil
}

// FormatQuantity renders minor units as a decimal string at cfg's precision.
func FormatQuantity(v int64, cfg DecimalConfig) string {
	return decimal.New(v, -int32(cfg.DecimalPrecision)).StringFixed(int32(cfg.DecimalPrecision))
}
