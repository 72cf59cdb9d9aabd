package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/artpar/tablegate/core/errs"
	"github.com/artpar/tablegate/core/fieldtype"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a schema document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Extensions lists the file extensions tried for a model, in order.
var Extensions = []string{".json", ".yaml", ".yml"}

// FormatFromPath returns the document format implied by a file extension.
func FormatFromPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".yaml", ".yml":
		return FormatYAML, true
	default:
		return "", false
	}
}

// ParseFile reads and decodes a schema document. It does not compile it.
func ParseFile(path string) (*Schema, error) {
	format, ok := FormatFromPath(path)
	if !ok {
		return nil, fmt.Errorf("unsupported schema file %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", path, err)
	}
	s, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a schema document. It does not apply defaults.
func Parse(data []byte, format Format) (*Schema, error) {
	var s Schema
	switch format {
	case FormatJSON:
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, fmt.Errorf("parse json: empty document")
		}
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown schema format %q", format)
	}
	return &s, nil
}

// Compile applies defaults, resolves field handlers against reg and
// validates the result. The input is not modified. Every problem found is
// reported in a single *errs.SchemaValidationError.
func Compile(src *Schema, reg *fieldtype.Registry) (*Schema, error) {
	s := *src
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if s.Model == "" {
		addf("model is required")
	} else if !isValidIdentifier(s.Model) {
		addf("model %q is not a valid identifier", s.Model)
	}
	if s.Table == "" {
		s.Table = s.Model
	}
	if s.Table != "" && !isValidIdentifier(s.Table) {
		addf("table %q is not a valid identifier", s.Table)
	}
	if s.PrimaryKey == "" {
		s.PrimaryKey = "id"
	}
	if !isValidIdentifier(s.PrimaryKey) {
		addf("primary_key %q is not a valid identifier", s.PrimaryKey)
	}

	timestamps, softDelete := s.HasTimestamps(), s.HasSoftDelete()
	s.Timestamps, s.SoftDelete = &timestamps, &softDelete

	if src.Fields.Len() == 0 {
		addf("schema must have at least one field")
	}

	declared := src.Fields.All()
	if !src.Fields.Has(s.PrimaryKey) {
		editable := false
		pk := Field{Name: s.PrimaryKey, Type: "integer", AutoIncrement: true, Editable: &editable}
		declared = append([]Field{pk}, declared...)
	}

	var fields Fields
	for _, f := range declared {
		if !isValidIdentifier(f.Name) {
			addf("field name %q is not a valid identifier", f.Name)
		}
		if f.Type == "" {
			addf("field %q: type is required", f.Name)
		} else if h, err := reg.Resolve(f.Type); err != nil {
			addf("field %q: %v", f.Name, err)
		} else {
			f.handler = h
		}
		for name := range f.Validation {
			if !fieldtype.KnownRule(name) {
				addf("field %q: unknown validation rule %q", f.Name, name)
			}
		}
		if f.IsVirtual() {
			if f.Name == s.PrimaryKey {
				addf("field %q: primary key cannot be virtual", f.Name)
			}
			if f.Sortable || f.Filterable || f.Searchable {
				addf("field %q: virtual fields cannot be sortable, filterable or searchable", f.Name)
			}
		}
		f.rules = f.compileRules()
		fields.set(f)
	}
	s.Fields = fields

	for _, k := range s.DefaultSort {
		f, ok := s.Fields.Get(k.Field)
		if !ok {
			addf("default_sort: unknown field %q", k.Field)
		} else if f.IsVirtual() {
			addf("default_sort: field %q is virtual", k.Field)
		}
	}

	if len(s.Permissions) > 0 {
		perms := make(map[string]string, len(s.Permissions))
		actions := make([]string, 0, len(s.Permissions))
		for action, slug := range s.Permissions {
			perms[action] = slug
			actions = append(actions, action)
		}
		sort.Strings(actions)
		for _, action := range actions {
			if strings.TrimSpace(perms[action]) == "" {
				addf("permissions: %q has an empty permission", action)
			}
		}
		s.Permissions = perms
	}

	s.Relationships = make([]Relationship, 0, len(src.Relationships))
	seen := make(map[string]bool)
	for _, r := range src.Relationships {
		if seen[r.Name] {
			addf("relationship %q: declared more than once", r.Name)
		}
		seen[r.Name] = true
		s.Relationships = append(s.Relationships, compileRelationship(s.Model, r, addf))
	}

	s.Details = make([]Detail, 0, len(src.Details))
	for i, d := range src.Details {
		if d.Model == "" {
			addf("details[%d]: model is required", i)
		} else if !isValidIdentifier(d.Model) {
			addf("details[%d]: model %q is not a valid identifier", i, d.Model)
		}
		if d.ForeignKey == "" {
			d.ForeignKey = s.Model + "_id"
		}
		if !isValidIdentifier(d.ForeignKey) {
			addf("details[%d]: foreign_key %q is not a valid identifier", i, d.ForeignKey)
		}
		checkIdentifiers(fmt.Sprintf("details[%d]: list_fields", i), d.ListFields, addf)
		s.Details = append(s.Details, d)
	}

	actionKeys := make(map[string]bool)
	for i, a := range src.Actions {
		if a.Key == "" {
			addf("actions[%d]: key is required", i)
			continue
		}
		if actionKeys[a.Key] {
			addf("action %q: declared more than once", a.Key)
		}
		actionKeys[a.Key] = true
		if IsImplicit(a.Key) {
			addf("action %q: key collides with a built-in action", a.Key)
		}
		if a.Type == ActionFieldUpdate {
			f, ok := s.Fields.Get(a.Field)
			switch {
			case a.Field == "":
				addf("action %q: field_update requires a field", a.Key)
			case !ok:
				addf("action %q: unknown field %q", a.Key, a.Field)
			case f.IsVirtual() || a.Field == s.PrimaryKey:
				addf("action %q: field %q cannot be updated", a.Key, a.Field)
			}
		}
	}

	if len(problems) > 0 {
		return nil, &errs.SchemaValidationError{Model: src.Model, Problems: problems}
	}
	s.compiled = true
	return &s, nil
}

func compileRelationship(model string, r Relationship, addf func(string, ...any)) Relationship {
	label := fmt.Sprintf("relationship %q", r.Name)
	if r.Name == "" {
		addf("relationship: name is required")
	} else if !isValidIdentifier(r.Name) {
		addf("%s: name is not a valid identifier", label)
	}
	if r.Model == "" {
		r.Model = r.Name
	}
	if r.Model != "" && !isValidIdentifier(r.Model) {
		addf("%s: model %q is not a valid identifier", label, r.Model)
	}

	switch r.Type {
	case ManyToMany:
		if r.PivotTable == "" {
			addf("%s: many_to_many requires pivot_table", label)
		}
		if r.ForeignKey == "" {
			r.ForeignKey = model + "_id"
		}
		if r.RelatedKey == "" {
			r.RelatedKey = r.Name + "_id"
		}
	case HasMany:
		if r.ForeignKey == "" {
			r.ForeignKey = model + "_id"
		}
	case BelongsToManyThrough:
		if r.Through == "" {
			addf("%s: belongs_to_many_through requires through", label)
		}
		if r.PivotTable == "" {
			addf("%s: belongs_to_many_through requires pivot_table", label)
		}
		if r.SecondPivotTable == "" {
			addf("%s: belongs_to_many_through requires second_pivot_table", label)
		}
		if r.ForeignKey == "" {
			r.ForeignKey = model + "_id"
		}
		if r.ThroughKey == "" {
			r.ThroughKey = r.Through + "_id"
		}
		if r.SecondForeignKey == "" {
			r.SecondForeignKey = r.Through + "_id"
		}
		if r.RelatedKey == "" {
			r.RelatedKey = r.Name + "_id"
		}
	case "":
		addf("%s: type is required", label)
	default:
		addf("%s: unknown type %q", label, r.Type)
	}

	for _, kv := range [][2]string{
		{"pivot_table", r.PivotTable},
		{"foreign_key", r.ForeignKey},
		{"related_key", r.RelatedKey},
		{"through", r.Through},
		{"through_key", r.ThroughKey},
		{"second_pivot_table", r.SecondPivotTable},
		{"second_foreign_key", r.SecondForeignKey},
	} {
		if kv[1] != "" && !isValidIdentifier(kv[1]) {
			addf("%s: %s %q is not a valid identifier", label, kv[0], kv[1])
		}
	}
	checkIdentifiers(label+": list_fields", r.ListFields, addf)
	return r
}

func checkIdentifiers(label string, names []string, addf func(string, ...any)) {
	for _, n := range names {
		if !isValidIdentifier(n) {
			addf("%s: %q is not a valid identifier", label, n)
		}
	}
}

// IsIdentifier reports whether s is safe to use as a SQL identifier or model name.
func IsIdentifier(s string) bool {
	return isValidIdentifier(s)
}

func isValidIdentifier(s string) bool {
	if s == "" {
		return false
	}

	for i, c := range s {
		if i == 0 {
			if !isLetter(c) && c != '_' {
				return false
			}
		} else {
			if !isLetter(c) && !isDigit(c) && c != '_' {
				return false
			}
		}
	}

	return true
}

func isLetter(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c rune) bool {
	return c >= '0' && c <= '9'
}
