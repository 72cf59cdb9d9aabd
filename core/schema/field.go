package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/artpar/tablegate/core/fieldtype"
	"gopkg.in/yaml.v3"
)

// Field defines one column (or UI-only virtual field) of a table.
type Field struct {
	// Name is the column name, taken from the document key.
	Name string `json:"-" yaml:"-"`

	// Type must resolve in the field type registry.
	Type string `json:"type" yaml:"type"`

	Label       string `json:"label,omitempty" yaml:"label,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Required indicates this field must be provided on create.
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`

	// Unique is a UI and documentation hint; uniqueness is enforced by the database.
	Unique bool `json:"unique,omitempty" yaml:"unique,omitempty"`

	Sortable   bool `json:"sortable,omitempty" yaml:"sortable,omitempty"`
	Filterable bool `json:"filterable,omitempty" yaml:"filterable,omitempty"`
	Listable   bool `json:"listable,omitempty" yaml:"listable,omitempty"`

	// Searchable marks fields matched by the free-text search term.
	Searchable bool `json:"searchable,omitempty" yaml:"searchable,omitempty"`

	// Editable defaults to true.
	Editable *bool `json:"editable,omitempty" yaml:"editable,omitempty"`

	// Viewable defaults to true.
	Viewable *bool `json:"viewable,omitempty" yaml:"viewable,omitempty"`

	// Readonly fields are shown in forms but never written.
	Readonly bool `json:"readonly,omitempty" yaml:"readonly,omitempty"`

	// AutoIncrement marks a database-generated value.
	AutoIncrement bool `json:"auto_increment,omitempty" yaml:"auto_increment,omitempty"`

	// Default is used on create when the field is absent.
	Default any `json:"default,omitempty" yaml:"default,omitempty"`

	// Validation holds type-specific hints: min_length, max_length, min, max, pattern.
	Validation map[string]any `json:"validation,omitempty" yaml:"validation,omitempty"`

	handler fieldtype.Handler
	rules   []fieldtype.Rule
}

// IsEditable returns whether the field may be written by callers.
func (f Field) IsEditable() bool {
	if f.Readonly || f.AutoIncrement {
		return false
	}
	return f.Editable == nil || *f.Editable
}

// IsViewable returns whether the field is shown on detail views.
func (f Field) IsViewable() bool {
	return f.Viewable == nil || *f.Viewable
}

// Handler returns the resolved type handler. It is nil before Compile.
func (f Field) Handler() fieldtype.Handler {
	return f.handler
}

// IsVirtual reports a UI-only field with no column.
func (f Field) IsVirtual() bool {
	return f.handler != nil && f.handler.Virtual()
}

// Rules returns the type rules followed by the declared validation hints.
func (f Field) Rules() []fieldtype.Rule {
	return f.rules
}

func (f Field) compileRules() []fieldtype.Rule {
	var rules []fieldtype.Rule
	if f.Required {
		rules = append(rules, fieldtype.Rule{Name: fieldtype.RuleRequired})
	}
	if f.handler != nil {
		rules = append(rules, f.handler.Rules()...)
	}

	names := make([]string, 0, len(f.Validation))
	for name := range f.Validation {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == fieldtype.RuleRequired {
			continue
		}
		rules = append(rules, fieldtype.Rule{Name: name, Param: f.Validation[name]})
	}
	return rules
}

// Fields is an ordered map of field name to definition.
type Fields struct {
	list  []Field
	index map[string]int
}

// NewFields builds an ordered field map. Later duplicates replace earlier ones.
func NewFields(fields ...Field) Fields {
	var fs Fields
	for _, f := range fields {
		fs.set(f)
	}
	return fs
}

func (fs *Fields) set(f Field) {
	if fs.index == nil {
		fs.index = make(map[string]int)
	}
	if i, ok := fs.index[f.Name]; ok {
		fs.list[i] = f
		return
	}
	fs.index[f.Name] = len(fs.list)
	fs.list = append(fs.list, f)
}

// Len returns the number of fields.
func (fs Fields) Len() int {
	return len(fs.list)
}

// Get returns a copy of the named field.
func (fs Fields) Get(name string) (Field, bool) {
	i, ok := fs.index[name]
	if !ok {
		return Field{}, false
	}
	return fs.list[i], true
}

// Has reports whether the named field exists.
func (fs Fields) Has(name string) bool {
	_, ok := fs.index[name]
	return ok
}

// Names returns the field names in document order.
func (fs Fields) Names() []string {
	names := make([]string, len(fs.list))
	for i, f := range fs.list {
		names[i] = f.Name
	}
	return names
}

// All returns a copy of the fields in document order.
func (fs Fields) All() []Field {
	out := make([]Field, len(fs.list))
	copy(out, fs.list)
	return out
}

// Filter returns the fields matching keep, preserving order.
func (fs Fields) Filter(keep func(Field) bool) Fields {
	var out Fields
	for _, f := range fs.list {
		if keep(f) {
			out.set(f)
		}
	}
	return out
}

// MarshalJSON writes the fields as an object in document order.
func (fs Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fs.list {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object of field definitions, keeping key order.
func (fs *Fields) UnmarshalJSON(data []byte) error {
	*fs = Fields{}
	return decodeOrderedJSON(data, func(key string, raw json.RawMessage) error {
		var f Field
		if err := json.Unmarshal(raw, &f); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		f.Name = key
		fs.set(f)
		return nil
	})
}

// UnmarshalYAML reads a mapping of field definitions, keeping key order.
func (fs *Fields) UnmarshalYAML(node *yaml.Node) error {
	*fs = Fields{}
	return decodeOrderedYAML(node, func(key string, value *yaml.Node) error {
		var f Field
		if err := value.Decode(&f); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		f.Name = key
		fs.set(f)
		return nil
	})
}

// decodeOrderedJSON walks a JSON object calling fn for each member in order.
func decodeOrderedJSON(data []byte, fn func(key string, raw json.RawMessage) error) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("%q: %w", key, err)
		}
		if err := fn(key, raw); err != nil {
			return err
		}
	}
	_, err = dec.Token()
	return err
}

// decodeOrderedYAML walks a YAML mapping calling fn for each pair in order.
func decodeOrderedYAML(node *yaml.Node, fn func(key string, value *yaml.Node) error) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if err := fn(node.Content[i].Value, node.Content[i+1]); err != nil {
			return err
		}
	}
	return nil
}
