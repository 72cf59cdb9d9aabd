/*
Package schema defines the declarative table documents the CRUD engine runs on.

A schema describes one relational table: its fields, the permission slug
required for each action, its relationships and the nested detail views a UI
shows under a record. Everything else (CRUD, listing, relationship
management) is derived from it at runtime.

# Document

A minimal document in JSON:

	{
	  "model": "products",
	  "table": "products",
	  "primary_key": "id",
	  "fields": {
	    "id":    { "type": "integer", "auto_increment": true, "editable": false },
	    "name":  { "type": "string", "required": true, "sortable": true, "filterable": true, "listable": true },
	    "price": { "type": "currency", "listable": true }
	  },
	  "permissions": { "read": "uri_products", "create": "create_product" },
	  "relationships": [
	    { "name": "categories", "type": "many_to_many", "pivot_table": "product_categories",
	      "foreign_key": "product_id", "related_key": "category_id" }
	  ]
	}

The same document may be written in YAML. Field order is preserved for both
formats.

# Defaults

  - table:       the model name
  - primary_key: "id"; an auto-increment integer field is added when the
    document does not declare it
  - timestamps:  true (created_at, updated_at)
  - soft_delete: false (deleted_at)
  - editable, viewable: true
  - many_to_many foreign_key: "{model}_id", related_key: "{relation}_id"

# Compilation

Parse only decodes. Compile applies the defaults, resolves every field type
against a fieldtype.Registry and validates identifiers and relationship
invariants. All problems are reported together in one
errs.SchemaValidationError. A compiled Schema is treated as immutable.

# Contexts

View returns the subset of a schema a caller asked for: "list", "form",
"detail", "meta" or "full".
*/
package schema
