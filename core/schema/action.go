package schema

// Action is a custom operation beyond CRUD. Its confirmation and UI specs
// are opaque to the engine and passed through to clients untouched.
type Action struct {
	// Key identifies the action (e.g. "publish").
	Key string `json:"key" yaml:"key"`

	Label string `json:"label,omitempty" yaml:"label,omitempty"`

	// Type selects server-side behaviour. Only ActionFieldUpdate is executed
	// by the engine; every other type is authorize-only.
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Permission is the slug required to run the action. When empty the
	// schema's permissions map is consulted under the action key.
	Permission string `json:"permission,omitempty" yaml:"permission,omitempty"`

	// Field and Value configure field_update actions. A boolean field with
	// no Value is toggled.
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`

	Confirm any            `json:"confirm,omitempty" yaml:"confirm,omitempty"`
	UI      map[string]any `json:"ui,omitempty" yaml:"ui,omitempty"`
}

// ActionFieldUpdate sets (or toggles) a single field on a record.
const ActionFieldUpdate = "field_update"

// Implicit CRUD action keys used in the permissions map.
const (
	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// IsImplicit returns true if the action key names a built-in CRUD action.
func IsImplicit(key string) bool {
	switch key {
	case ActionRead, ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// RelationType is the shape of a relationship.
type RelationType string

const (
	// ManyToMany links two tables through a pivot table. Supports attach/detach.
	ManyToMany RelationType = "many_to_many"

	// HasMany lists rows of the related table whose foreign key is the parent id.
	HasMany RelationType = "has_many"

	// BelongsToManyThrough is a read-only two-hop traversal A -> B -> C.
	BelongsToManyThrough RelationType = "belongs_to_many_through"
)

// Relationship declares how another model relates to this one.
type Relationship struct {
	Name  string       `json:"name" yaml:"name"`
	Type  RelationType `json:"type" yaml:"type"`
	Title string       `json:"title,omitempty" yaml:"title,omitempty"`

	// Model is the target model. Defaults to Name.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// PivotTable joins this model to the target (many_to_many) or to the
	// intermediate model (belongs_to_many_through).
	PivotTable string `json:"pivot_table,omitempty" yaml:"pivot_table,omitempty"`

	// ForeignKey holds this model's id: in the pivot table for many_to_many
	// and belongs_to_many_through, in the related table for has_many.
	ForeignKey string `json:"foreign_key,omitempty" yaml:"foreign_key,omitempty"`

	// RelatedKey holds the target's id in the (last) pivot table.
	RelatedKey string `json:"related_key,omitempty" yaml:"related_key,omitempty"`

	// Through is the intermediate model of a belongs_to_many_through.
	Through string `json:"through,omitempty" yaml:"through,omitempty"`

	// ThroughKey holds the intermediate id in PivotTable.
	ThroughKey string `json:"through_key,omitempty" yaml:"through_key,omitempty"`

	// SecondPivotTable joins the intermediate model to the target.
	SecondPivotTable string `json:"second_pivot_table,omitempty" yaml:"second_pivot_table,omitempty"`

	// SecondForeignKey holds the intermediate id in SecondPivotTable.
	SecondForeignKey string `json:"second_foreign_key,omitempty" yaml:"second_foreign_key,omitempty"`

	// ListFields restricts the columns shown for related rows.
	ListFields []string `json:"list_fields,omitempty" yaml:"list_fields,omitempty"`
}

// Detail is a nested one-to-many view shown under a record.
type Detail struct {
	Model      string   `json:"model" yaml:"model"`
	ForeignKey string   `json:"foreign_key,omitempty" yaml:"foreign_key,omitempty"`
	Title      string   `json:"title,omitempty" yaml:"title,omitempty"`
	ListFields []string `json:"list_fields,omitempty" yaml:"list_fields,omitempty"`
}

// AsRelationship expresses the detail as a has_many relationship.
func (d Detail) AsRelationship() Relationship {
	return Relationship{
		Name:       d.Model,
		Type:       HasMany,
		Title:      d.Title,
		Model:      d.Model,
		ForeignKey: d.ForeignKey,
		ListFields: d.ListFields,
	}
}
