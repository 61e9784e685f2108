package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// formatAmount renders a money amount with comma separators and two
// decimals (e.g. 15000 -> "15,000.00").
func formatAmount(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-" + formatAmount(d.Neg())
	}
	whole, frac, _ := strings.Cut(d.StringFixed(2), ".")
	if len(whole) <= 3 {
		return whole + "." + frac
	}

	var b strings.Builder
	remainder := len(whole) % 3
	if remainder > 0 {
		b.WriteString(whole[:remainder])
	}
	for i := remainder; i < len(whole); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(whole[i : i+3])
	}
	return b.String() + "." + frac
}

// formatAge renders how long ago t was, coarsely.
func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// truncate shortens s to maxLen runes on a single line.
func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
