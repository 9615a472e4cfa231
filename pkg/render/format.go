package render

import (
	"math"
	"strconv"
	"strings"

	"github.com/malbeclabs/sage/pkg/dataset"
	"github.com/shopspring/decimal"
)

// Currency formats f as dollars with thousands separators and two decimals.
func Currency(f float64) string {
	d := decimal.NewFromFloat(f).Round(2)
	if d.IsZero() {
		return "$0.00"
	}
	s := groupThousands(d.Abs().StringFixed(2))
	if d.IsNegative() {
		return "-$" + s
	}
	return "$" + s
}

// Count formats n as an integer with thousands separators.
func Count(n int64) string {
	if n < 0 {
		return "-" + groupThousands(decimal.NewFromInt(n).Abs().String())
	}
	return groupThousands(decimal.NewFromInt(n).String())
}

// Percent formats f with one or two decimals and a % suffix.
func Percent(f float64) string {
	s := decimal.NewFromFloat(f).Round(2).StringFixed(2)
	if strings.HasSuffix(s, "0") {
		s = s[:len(s)-1]
	}
	return signed(s) + "%"
}

// Number formats f with thousands separators and at most two decimals.
func Number(f float64) string {
	d := decimal.NewFromFloat(f).Round(2)
	return signed(d.String())
}

// Value formats a cell using its column unit.
func Value(v dataset.Value, unit dataset.Unit) string {
	if v.IsAbsent() {
		return "n/a"
	}
	f, ok := v.Float64()
	if !ok {
		return v.Text()
	}
	switch unit {
	case dataset.UnitCurrency:
		return Currency(f)
	case dataset.UnitPercent:
		return Percent(f)
	case dataset.UnitCount:
		if n, ok := v.Any().(int64); ok {
			return Count(n)
		}
		return Count(int64(math.Round(f)))
	case dataset.UnitYear:
		if n, ok := v.Any().(int64); ok {
			return strconv.FormatInt(n, 10)
		}
		return decimal.NewFromFloat(f).Round(2).String()
	default:
		if n, ok := v.Any().(int64); ok {
			return Count(n)
		}
		return Number(f)
	}
}

// signed groups the integer part of a decimal string, keeping its sign.
func signed(s string) string {
	if strings.HasPrefix(s, "-") {
		return "-" + groupThousands(s[1:])
	}
	return groupThousands(s)
}

// groupThousands inserts commas into the integer part of an unsigned
// decimal string.
func groupThousands(s string) string {
	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i:]
	}
	if len(intPart) <= 3 {
		return intPart + frac
	}
	var b strings.Builder
	lead := len(intPart) % 3
	if lead > 0 {
		b.WriteString(intPart[:lead])
	}
	for i := lead; i < len(intPart); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(intPart[i : i+3])
	}
	return b.String() + frac
}
