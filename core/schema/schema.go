package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/artpar/tablegate/core/fieldtype"
	"gopkg.in/yaml.v3"
)

// Schema is the declarative description of one table.
// A compiled Schema is shared between goroutines and must not be modified.
type Schema struct {
	Model       string `json:"model" yaml:"model"`
	Table       string `json:"table" yaml:"table"`
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	PrimaryKey  string `json:"primary_key" yaml:"primary_key"`

	// Timestamps defaults to true.
	Timestamps *bool `json:"timestamps,omitempty" yaml:"timestamps,omitempty"`

	// SoftDelete defaults to false.
	SoftDelete *bool `json:"soft_delete,omitempty" yaml:"soft_delete,omitempty"`

	DefaultSort   SortKeys          `json:"default_sort,omitempty" yaml:"default_sort,omitempty"`
	Fields        Fields            `json:"fields" yaml:"fields"`
	Permissions   map[string]string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Relationships []Relationship    `json:"relationships,omitempty" yaml:"relationships,omitempty"`
	Details       []Detail          `json:"details,omitempty" yaml:"details,omitempty"`
	Actions       []Action          `json:"actions,omitempty" yaml:"actions,omitempty"`

	compiled bool
}

// Column names maintained by the engine.
const (
	CreatedAt = "created_at"
	UpdatedAt = "updated_at"
	DeletedAt = "deleted_at"
)

// HasTimestamps reports whether created_at/updated_at are maintained.
func (s *Schema) HasTimestamps() bool {
	return s.Timestamps == nil || *s.Timestamps
}

// HasSoftDelete reports whether deletes set deleted_at instead of removing rows.
func (s *Schema) HasSoftDelete() bool {
	return s.SoftDelete != nil && *s.SoftDelete
}

// Compiled reports whether the schema went through Compile.
func (s *Schema) Compiled() bool {
	return s.compiled
}

// Permission returns the permission slug declared for an action key.
func (s *Schema) Permission(action string) (string, bool) {
	slug, ok := s.Permissions[action]
	return slug, ok && slug != ""
}

// Relationship finds a relationship by name.
func (s *Schema) Relationship(name string) (Relationship, bool) {
	for _, r := range s.Relationships {
		if r.Name == name {
			return r, true
		}
	}
	return Relationship{}, false
}

// Detail finds a detail view by its model.
func (s *Schema) Detail(model string) (Detail, bool) {
	for _, d := range s.Details {
		if d.Model == model {
			return d, true
		}
	}
	return Detail{}, false
}

// Action finds a custom action by key.
func (s *Schema) Action(key string) (Action, bool) {
	for _, a := range s.Actions {
		if a.Key == key {
			return a, true
		}
	}
	return Action{}, false
}

// SortableFields returns the names of fields callers may sort by.
func (s *Schema) SortableFields() []string {
	return s.eligible(func(f Field) bool { return f.Sortable })
}

// FilterableFields returns the names of fields callers may filter by.
func (s *Schema) FilterableFields() []string {
	return s.eligible(func(f Field) bool { return f.Filterable })
}

// ListableFields returns the names of fields shown in list results.
func (s *Schema) ListableFields() []string {
	return s.eligible(func(f Field) bool { return f.Listable })
}

// SearchableFields returns the fields the free-text search term is matched
// against: those marked searchable, or else the filterable textual fields.
func (s *Schema) SearchableFields() []string {
	marked := s.eligible(func(f Field) bool { return f.Searchable })
	if len(marked) > 0 {
		return marked
	}
	return s.eligible(func(f Field) bool {
		return f.Filterable && f.handler != nil && fieldtype.IsTextual(f.handler)
	})
}

// eligible never returns blank names or virtual fields.
func (s *Schema) eligible(keep func(Field) bool) []string {
	names := make([]string, 0)
	for _, f := range s.Fields.list {
		if strings.TrimSpace(f.Name) == "" || f.IsVirtual() {
			continue
		}
		if keep(f) {
			names = append(names, f.Name)
		}
	}
	return names
}

// PersistedFields returns the fields backed by a column, in document order.
func (s *Schema) PersistedFields() []Field {
	out := make([]Field, 0, s.Fields.Len())
	for _, f := range s.Fields.list {
		if !f.IsVirtual() {
			out = append(out, f)
		}
	}
	return out
}

// SortKey is one sort instruction.
type SortKey struct {
	Field string
	Desc  bool
}

func (k SortKey) String() string {
	if k.Desc {
		return k.Field + ":desc"
	}
	return k.Field + ":asc"
}

// ParseSortKey parses "field", "field:asc", "field:desc" or "-field".
func ParseSortKey(s string) (SortKey, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		return SortKey{Field: strings.TrimSpace(s[1:]), Desc: true}, nil
	}
	field, dir, _ := strings.Cut(s, ":")
	desc, err := parseDirection(dir)
	if err != nil {
		return SortKey{}, err
	}
	return SortKey{Field: strings.TrimSpace(field), Desc: desc}, nil
}

func parseDirection(dir string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(dir)) {
	case "", "asc":
		return false, nil
	case "desc":
		return true, nil
	default:
		return false, fmt.Errorf("invalid sort direction %q", dir)
	}
}

// SortKeys is an ordered {field: direction} map in documents.
type SortKeys []SortKey

// MarshalJSON writes the keys as an ordered object.
func (ks SortKeys) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range ks {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k.Field)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		if k.Desc {
			buf.WriteString(`:"desc"`)
		} else {
			buf.WriteString(`:"asc"`)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an ordered {field: direction} object.
func (ks *SortKeys) UnmarshalJSON(data []byte) error {
	*ks = nil
	return decodeOrderedJSON(data, func(key string, raw json.RawMessage) error {
		var dir string
		if err := json.Unmarshal(raw, &dir); err != nil {
			return fmt.Errorf("default_sort %q: %w", key, err)
		}
		desc, err := parseDirection(dir)
		if err != nil {
			return fmt.Errorf("default_sort %q: %w", key, err)
		}
		*ks = append(*ks, SortKey{Field: key, Desc: desc})
		return nil
	})
}

// UnmarshalYAML reads an ordered {field: direction} mapping.
func (ks *SortKeys) UnmarshalYAML(node *yaml.Node) error {
	*ks = nil
	return decodeOrderedYAML(node, func(key string, value *yaml.Node) error {
		desc, err := parseDirection(value.Value)
		if err != nil {
			return fmt.Errorf("default_sort %q: %w", key, err)
		}
		*ks = append(*ks, SortKey{Field: key, Desc: desc})
		return nil
	})
}
