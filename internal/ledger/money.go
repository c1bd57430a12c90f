package ledger

import (
	"strings"

	"github.com/shopspring/decimal"
)

// minor-unit exponents for currencies that differ from the usual two digits.
var currencyExponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"CLP": 0,
	"PYG": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
	"TND": 3,
}

// Exponent returns the number of minor-unit digits for currency.
func Exponent(currency string) int32 {
	if e, ok := currencyExponents[strings.ToUpper(currency)]; ok {
		return e
	}
	return 2
}

// NormalizeCurrency upper-cases and validates a three letter ISO code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", invalid("currency must be a 3-letter code")
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", invalid("currency must be a 3-letter code")
		}
	}
	return code, nil
}

// ParseAmount converts a decimal string such as "12.34" into minor units.
// Amounts with more precision than the currency allows are rejected, never rounded.
func ParseAmount(s, currency string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, invalid("amount is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, invalid("malformed amount %q", s)
	}
	exp := Exponent(currency)
	scaled := d.Shift(exp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, invalid("amount %s has more than %d decimal places", s, exp)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, invalid("amount %s out of range", s)
	}
	return scaled.IntPart(), nil
}

// FormatAmount renders minor units as a fixed-point decimal string.
func FormatAmount(minor int64, currency string) string {
	exp := Exponent(currency)
	return decimal.New(minor, -exp).StringFixed(exp)
}
