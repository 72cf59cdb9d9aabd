package fieldtype

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/tablegate/ports"
)

// Deps are the collaborators some built-in types need.
type Deps struct {
	// Hasher hashes password fields. Required for the password type.
	Hasher ports.Hasher

	// IDs generates values for empty uuid fields. Required for the uuid type.
	IDs ports.IDGenerator
}

// Builtin returns a registry holding every built-in type.
//
//	string, text, email, integer, float, currency, boolean, checkbox,
//	boolean-toggle, boolean-yn, date, datetime, json, password, uuid, virtual
//
// The password type is only registered when deps.Hasher is set, the uuid
// type only when deps.IDs is set.
func Builtin(deps Deps) *Registry {
	r := NewRegistry()

	r.MustRegister("string", String{name: "string"})
	r.MustRegister("text", String{name: "text"})
	r.MustRegister("email", Email{})
	r.MustRegister("integer", Integer{})
	r.MustRegister("float", Float{})
	r.MustRegister("currency", Currency{})

	// All boolean presentations share identical storage semantics.
	r.MustRegister("boolean", Boolean{name: "boolean", presentation: "checkbox"})
	r.MustRegister("checkbox", Boolean{name: "checkbox", presentation: "checkbox"})
	r.MustRegister("boolean-toggle", Boolean{name: "boolean-toggle", presentation: "toggle"})
	r.MustRegister("boolean-yn", Boolean{name: "boolean-yn", presentation: "yes_no"})

	r.MustRegister("date", Date{})
	r.MustRegister("datetime", DateTime{})
	r.MustRegister("json", JSON{})
	r.MustRegister("virtual", Virtual{})

	if deps.Hasher != nil {
		r.MustRegister("password", Password{hasher: deps.Hasher})
	}
	if deps.IDs != nil {
		r.MustRegister("uuid", UUID{ids: deps.IDs})
	}

	return r
}

// String stores text as-is. It backs the string and text types.
type String struct {
	name string
}

func (s String) Name() string { return s.name }
func (String) Virtual() bool { return false }
func (String) Textual() bool { return true }
func (String) Rules() []Rule { return nil }
func (String) Cast(v any) any { return castString(v) }

func (String) Transform(v any) (any, error) {
	return transformString(v), nil
}

// Email is a string validated as an email address.
type Email struct{}

func (Email) Name() string { return "email" }
func (Email) Virtual() bool { return false }
func (Email) Textual() bool { return true }
func (Email) Cast(v any) any { return castString(v) }

func (Email) Rules() []Rule {
	return []Rule{{Name: RuleEmail}}
}

func (Email) Transform(v any) (any, error) {
	s := transformString(v)
	if str, ok := s.(string); ok {
		return strings.TrimSpace(str), nil
	}
	return s, nil
}

// Integer stores whole numbers.
type Integer struct{}

func (Integer) Name() string { return "integer" }
func (Integer) Virtual() bool { return false }

func (Integer) Rules() []Rule {
	return []Rule{{Name: RuleInteger}}
}

func (Integer) Transform(v any) (any, error) {
	if isBlank(v) {
		return nil, nil
	}
	n, err := toInt64(v)
	if err != nil {
		return nil, fmt.Errorf("not an integer: %v", v)
	}
	return n, nil
}

func (Integer) Cast(v any) any {
	if v == nil {
		return nil
	}
	n, err := toInt64(v)
	if err != nil {
		return v
	}
	return n
}

// Float stores floating point numbers.
type Float struct{}

func (Float) Name() string { return "float" }
func (Float) Virtual() bool { return false }

func (Float) Rules() []Rule {
	return []Rule{{Name: RuleNumeric}}
}

func (Float) Transform(v any) (any, error) {
	if isBlank(v) {
		return nil, nil
	}
	f, err := toFloat64(v)
	if err != nil {
		return nil, fmt.Errorf("not a number: %v", v)
	}
	return f, nil
}

func (Float) Cast(v any) any {
	if v == nil {
		return nil
	}
	f, err := toFloat64(v)
	if err != nil {
		return v
	}
	return f
}

// Boolean stores a plain boolean whatever its UI presentation.
type Boolean struct {
	name         string
	presentation string
}

func (b Boolean) Name() string { return b.name }
func (b Boolean) Presentation() string { return b.presentation }
func (Boolean) Virtual() bool { return false }

func (Boolean) Rules() []Rule {
	return []Rule{{Name: RuleBoolean}}
}

func (Boolean) Transform(v any) (any, error) {
	if v == nil {
		return false, nil
	}
	b, err := toBool(v)
	if err != nil {
		return nil, fmt.Errorf("not a boolean: %v", v)
	}
	return b, nil
}

func (Boolean) Cast(v any) any {
	if v == nil {
		return false
	}
	b, err := toBool(v)
	if err != nil {
		return false
	}
	return b
}

// Date stores a calendar date as YYYY-MM-DD.
type Date struct{}

const dateFormat = "2006-01-02"

func (Date) Name() string { return "date" }
func (Date) Virtual() bool { return false }

func (Date) Rules() []Rule {
	return []Rule{{Name: RuleDate}}
}

func (Date) Transform(v any) (any, error) {
	if isBlank(v) {
		return nil, nil
	}
	t, err := parseTime(v, dateLayouts)
	if err != nil {
		return nil, fmt.Errorf("not a date: %v", v)
	}
	return t.Format(dateFormat), nil
}

func (Date) Cast(v any) any {
	if v == nil {
		return nil
	}
	t, err := parseTime(v, dateLayouts)
	if err != nil {
		return castString(v)
	}
	return t.Format(dateFormat)
}

// DateTime stores an instant in UTC.
type DateTime struct{}

func (DateTime) Name() string { return "datetime" }
func (DateTime) Virtual() bool { return false }

func (DateTime) Rules() []Rule {
	return []Rule{{Name: RuleDateTime}}
}

func (DateTime) Transform(v any) (any, error) {
	if isBlank(v) {
		return nil, nil
	}
	t, err := parseTime(v, dateTimeLayouts)
	if err != nil {
		return nil, fmt.Errorf("not a date-time: %v", v)
	}
	return t.UTC(), nil
}

func (DateTime) Cast(v any) any {
	if v == nil {
		return nil
	}
	t, err := parseTime(v, dateTimeLayouts)
	if err != nil {
		return castString(v)
	}
	return t.UTC().Format(time.RFC3339)
}

// JSON stores any JSON value as its text encoding.
type JSON struct{}

func (JSON) Name() string { return "json" }
func (JSON) Virtual() bool { return false }

func (JSON) Rules() []Rule {
	return []Rule{{Name: RuleJSON}}
}

func (JSON) Transform(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		if !json.Valid([]byte(val)) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return val, nil
	case []byte:
		if !json.Valid(val) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return string(val), nil
	case json.RawMessage:
		return string(val), nil
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("encode JSON: %w", err)
		}
		return string(data), nil
	}
}

func (JSON) Cast(v any) any {
	var data []byte
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		data = []byte(val)
	case []byte:
		data = val
	default:
		return v
	}
	if !json.Valid(data) {
		return string(data)
	}
	return json.RawMessage(data)
}

// Password is hashed one way on transform and never cast back.
type Password struct {
	hasher ports.Hasher
}

func (Password) Name() string { return "password" }
func (Password) Virtual() bool { return false }
func (Password) WriteOnly() bool { return true }
func (Password) Rules() []Rule { return nil }
func (Password) Cast(any) any { return nil }

// Transform hashes the plaintext. An empty value is omitted so that an
// update without a new password keeps the stored hash.
func (p Password) Transform(v any) (any, error) {
	if isBlank(v) {
		return nil, ErrOmit
	}
	hash, err := p.hasher.Hash(fmt.Sprint(v))
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// UUID stores a UUID string, generating one when the value is empty.
type UUID struct {
	ids ports.IDGenerator
}

func (UUID) Name() string { return "uuid" }
func (UUID) Virtual() bool { return false }
func (UUID) Textual() bool { return true }
func (UUID) Generated() bool { return true }
func (UUID) Cast(v any) any { return castString(v) }

func (UUID) Rules() []Rule {
	return []Rule{{Name: RuleUUID}}
}

func (u UUID) Transform(v any) (any, error) {
	if isBlank(v) {
		return u.ids.New(), nil
	}
	return strings.TrimSpace(fmt.Sprint(v)), nil
}

// Virtual is a UI-only field. It has no column and is never persisted.
type Virtual struct{}

func (Virtual) Name() string { return "virtual" }
func (Virtual) Virtual() bool { return true }
func (Virtual) Rules() []Rule { return nil }
func (Virtual) Cast(v any) any { return v }
func (Virtual) Transform(any) (any, error) { return nil, ErrOmit }

func transformString(v any) any {
	switch s := v.(type) {
	case nil:
		return nil
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}

func castString(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
