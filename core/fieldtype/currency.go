package fieldtype

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Currency stores money as an integer count of minor units (cents).
// Cast returns a float for display only; never feed it back into Transform.
type Currency struct{}

func (Currency) Name() string { return "currency" }
func (Currency) Virtual() bool { return false }
func (Currency) Rules() []Rule { return nil }

// Transform parses a user-facing amount such as "$1,234.5" or "-5.50" into
// minor units. Null and empty input become zero. Only a leading minus sign
// counts; the fraction is right-padded or truncated to exactly two digits.
func (Currency) Transform(v any) (any, error) {
	return ParseMinorUnits(v)
}

func (Currency) Cast(v any) any {
	if v == nil {
		return nil
	}
	n, err := toInt64(v)
	if err != nil {
		f, ferr := toFloat64(v)
		if ferr != nil {
			return v
		}
		return f / 100
	}
	return float64(n) / 100
}

// ParseMinorUnits implements the currency transform.
func ParseMinorUnits(v any) (int64, error) {
	var raw string
	switch val := v.(type) {
	case nil:
		return 0, nil
	case string:
		raw = val
	case []byte:
		raw = string(val)
	case float32:
		raw = strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		raw = strconv.FormatFloat(val, 'f', -1, 64)
	default:
		raw = fmt.Sprint(val)
	}

	var b strings.Builder
	for _, c := range raw {
		if (c >= '0' && c <= '9') || c == '.' || c == '-' {
			b.WriteRune(c)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0, nil
	}

	negative := strings.HasPrefix(cleaned, "-")
	cleaned = strings.ReplaceAll(cleaned, "-", "")

	parts := strings.Split(cleaned, ".")

	var whole int64
	if parts[0] != "" {
		n, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("currency amount %q out of range", raw)
		}
		whole = n
	}

	var fraction int64
	if len(parts) > 1 {
		digits := parts[1]
		if len(digits) > 2 {
			digits = digits[:2]
		}
		for len(digits) < 2 {
			digits += "0"
		}
		n, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("currency amount %q: %w", raw, err)
		}
		fraction = n
	}

	if whole > (math.MaxInt64-fraction)/100 {
		return 0, fmt.Errorf("currency amount %q out of range", raw)
	}
	total := whole*100 + fraction
	if negative {
		total = -total
	}
	return total, nil
}
