package utils

import (
	"strings"

	"github.com/shopspring/decimal"
)

// EurPrecision is the fixed fractional precision used when converting
// quote-currency amounts to EUR.
const EurPrecision = 8

// DecString renders a decimal in its minimal exact string form: no
// exponent notation, no trailing zeros, never "-0". "1.50" and "1.5"
// render identically, which is what makes digests stable.
func DecString(d decimal.Decimal) string {
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	if s == "" || s == "-0" {
		return "0"
	}
	return s
}

// RoundEur rounds a decimal to the fixed EUR conversion precision.
func RoundEur(d decimal.Decimal) decimal.Decimal {
	return d.Round(EurPrecision)
}
