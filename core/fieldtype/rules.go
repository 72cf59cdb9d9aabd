package fieldtype

import (
	"encoding/json"
	"fmt"
	"math"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Rule is a validation rule attached to a field, either implied by its type
// or declared in the schema's validation hints.
type Rule struct {
	Name  string `json:"name" yaml:"name"`
	Param any    `json:"param,omitempty" yaml:"param,omitempty"`
}

// Rule names.
const (
	RuleRequired  = "required"
	RuleEmail     = "email"
	RuleInteger   = "integer"
	RuleNumeric   = "numeric"
	RuleBoolean   = "boolean"
	RuleDate      = "date"
	RuleDateTime  = "datetime"
	RuleJSON      = "json"
	RuleUUID      = "uuid"
	RuleMinLength = "min_length"
	RuleMaxLength = "max_length"
	RuleMin       = "min"
	RuleMax       = "max"
	RulePattern   = "pattern"
)

// KnownRule reports whether name is a rule Check understands.
func KnownRule(name string) bool {
	switch name {
	case RuleRequired, RuleEmail, RuleInteger, RuleNumeric, RuleBoolean,
		RuleDate, RuleDateTime, RuleJSON, RuleUUID,
		RuleMinLength, RuleMaxLength, RuleMin, RuleMax, RulePattern:
		return true
	default:
		return false
	}
}

// Check validates a request value against a rule. It returns an empty string
// when the value passes, otherwise a human-readable failure message.
// Nil and empty values pass every rule except required.
func Check(rule Rule, v any) string {
	if rule.Name == RuleRequired {
		if isBlank(v) {
			return "field is required"
		}
		return ""
	}
	if isBlank(v) {
		return ""
	}

	switch rule.Name {
	case RuleEmail:
		s, ok := v.(string)
		if !ok {
			return "must be an email address"
		}
		addr, err := mail.ParseAddress(s)
		if err != nil || addr.Address != strings.TrimSpace(s) {
			return "must be an email address"
		}
	case RuleInteger:
		if _, err := toInt64(v); err != nil {
			return "must be an integer"
		}
	case RuleNumeric:
		if _, err := toFloat64(v); err != nil {
			return "must be a number"
		}
	case RuleBoolean:
		if _, err := toBool(v); err != nil {
			return "must be a boolean"
		}
	case RuleDate:
		if _, err := parseTime(v, dateLayouts); err != nil {
			return "must be a date (YYYY-MM-DD)"
		}
	case RuleDateTime:
		if _, err := parseTime(v, dateTimeLayouts); err != nil {
			return "must be a date and time"
		}
	case RuleJSON:
		if s, ok := v.(string); ok && !json.Valid([]byte(s)) {
			return "must be valid JSON"
		}
	case RuleUUID:
		s, ok := v.(string)
		if !ok {
			return "must be a UUID"
		}
		if _, err := uuid.Parse(s); err != nil {
			return "must be a UUID"
		}
	case RuleMinLength:
		n, err := toInt64(rule.Param)
		if err != nil {
			return ""
		}
		if utf8.RuneCountInString(fmt.Sprint(v)) < int(n) {
			return fmt.Sprintf("must be at least %d characters", n)
		}
	case RuleMaxLength:
		n, err := toInt64(rule.Param)
		if err != nil {
			return ""
		}
		if utf8.RuneCountInString(fmt.Sprint(v)) > int(n) {
			return fmt.Sprintf("must be at most %d characters", n)
		}
	case RuleMin:
		limit, err := toFloat64(rule.Param)
		if err != nil {
			return ""
		}
		if val, err := toFloat64(v); err == nil && val < limit {
			return fmt.Sprintf("must be at least %v", rule.Param)
		}
	case RuleMax:
		limit, err := toFloat64(rule.Param)
		if err != nil {
			return ""
		}
		if val, err := toFloat64(v); err == nil && val > limit {
			return fmt.Sprintf("must be at most %v", rule.Param)
		}
	case RulePattern:
		pattern, ok := rule.Param.(string)
		if !ok {
			return ""
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return ""
		}
		if !re.MatchString(fmt.Sprint(v)) {
			return "does not match required pattern"
		}
	}
	return ""
}

func isBlank(v any) bool {
	switch s := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(s) == ""
	default:
		return false
	}
}

var (
	dateLayouts     = []string{"2006-01-02", time.RFC3339, time.RFC3339Nano, "2006-01-02 15:04:05"}
	dateTimeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02 15:04:05.999999999-07:00", "2006-01-02"}
)

func parseTime(v any, layouts []string) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case []byte:
		return parseTime(string(t), layouts)
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range layouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised time %q", s)
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to time", v)
	}
}

func uintToInt64(n uint64) (int64, error) {
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("%d is out of range", n)
	}
	return int64(n), nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return uintToInt64(uint64(n))
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return uintToInt64(n)
	case float32:
		if float32(int64(n)) != n {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	case float64:
		if float64(int64(n)) != n {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(n)), 10, 64)
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case []byte:
		return strconv.ParseFloat(strings.TrimSpace(string(n)), 64)
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		i, err := toInt64(v)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %T to number", v)
		}
		return float64(i), nil
	}
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case []byte:
		return toBool(string(b))
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "1", "true", "on", "yes", "y":
			return true, nil
		case "0", "false", "off", "no", "n", "":
			return false, nil
		}
		return false, fmt.Errorf("%q is not a boolean", b)
	default:
		n, err := toInt64(v)
		if err != nil {
			return false, fmt.Errorf("cannot convert %T to boolean", v)
		}
		return n != 0, nil
	}
}
