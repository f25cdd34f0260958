package shared

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultCurrency tags amounts when a listing or escrow does not set one.
const DefaultCurrency = "USDC"

// FormatAmount renders minor units for humans: 500 -> "$5.00", -42 -> "-$0.42".
func FormatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

// CentsToDecimal renders minor units as a plain decimal string for wire
// payloads: 500 -> "5.00".
func CentsToDecimal(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// DecimalToCents parses a decimal amount string ("5.00", "5", "5.5") into
// minor units. More than two fractional digits is an error; amounts never
// carry sub-cent precision.
func DecimalToCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	var f int64
	switch len(frac) {
	case 0:
	case 1:
		f, err = strconv.ParseInt(frac, 10, 64)
		f *= 10
	case 2:
		f, err = strconv.ParseInt(frac, 10, 64)
	default:
		return 0, fmt.Errorf("amount %q has sub-cent precision", s)
	}
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	cents := w*100 + f
	if neg {
		cents = -cents
	}
	return cents, nil
}
