package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/artpar/tablegate/core/errs"
)

// Context names select which part of a schema a caller receives.
const (
	ContextFull   = "full"
	ContextList   = "list"
	ContextForm   = "form"
	ContextDetail = "detail"
	ContextMeta   = "meta"
)

// ValidContext reports whether name is a known context. The empty string
// means the full schema.
func ValidContext(name string) bool {
	switch name {
	case "", ContextFull, ContextList, ContextForm, ContextDetail, ContextMeta:
		return true
	default:
		return false
	}
}

// ParseContexts splits a comma-separated context list, dropping blanks and
// duplicates while keeping order.
func ParseContexts(raw string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}

// View returns the subset of a compiled schema selected by context.
// The result shares no mutable state with s.
func View(s *Schema, context string) (*Schema, error) {
	if !ValidContext(context) {
		return nil, &errs.InvalidInputError{Field: "context", Reason: fmt.Sprintf("unknown context %q", context)}
	}

	v := *s
	v.Relationships = append([]Relationship(nil), s.Relationships...)
	v.Details = append([]Detail(nil), s.Details...)
	v.Actions = append([]Action(nil), s.Actions...)
	v.DefaultSort = append(SortKeys(nil), s.DefaultSort...)
	if s.Permissions != nil {
		v.Permissions = make(map[string]string, len(s.Permissions))
		for k, slug := range s.Permissions {
			v.Permissions[k] = slug
		}
	}

	switch context {
	case "", ContextFull:
		v.Fields = s.Fields.Filter(func(Field) bool { return true })
	case ContextList:
		v.Fields = s.Fields.Filter(func(f Field) bool {
			return f.Name == s.PrimaryKey || (f.Listable && !f.IsVirtual())
		})
		v.Relationships = nil
		v.Details = nil
	case ContextForm:
		v.Fields = s.Fields.Filter(func(f Field) bool { return f.IsEditable() })
		v.Relationships = nil
		v.Details = nil
		v.Actions = nil
		v.DefaultSort = nil
	case ContextDetail:
		v.Fields = s.Fields.Filter(func(f Field) bool { return f.IsViewable() })
		v.DefaultSort = nil
	case ContextMeta:
		v.Fields = Fields{}
	}
	return &v, nil
}

// Document is the multi-context payload: model-level metadata plus one
// partial schema per requested context.
type Document struct {
	Model       string             `json:"model"`
	Table       string             `json:"table"`
	PrimaryKey  string             `json:"primary_key"`
	Title       string             `json:"title,omitempty"`
	Description string             `json:"description,omitempty"`
	Contexts    map[string]*Schema `json:"contexts"`
}

// NewDocument builds a multi-context document from a full schema and its views.
func NewDocument(full *Schema, views map[string]*Schema) *Document {
	return &Document{
		Model:       full.Model,
		Table:       full.Table,
		PrimaryKey:  full.PrimaryKey,
		Title:       full.Title,
		Description: full.Description,
		Contexts:    views,
	}
}

// Payload is what a schema request returns: fields at the root for a single
// context, or a contexts map for several. Exactly one member is set.
type Payload struct {
	Single *Schema
	Multi  *Document
}

// MarshalJSON encodes whichever member is set.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Multi != nil {
		return json.Marshal(p.Multi)
	}
	return json.Marshal(p.Single)
}
