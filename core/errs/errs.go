// Package errs defines the typed errors returned by the CRUD engine.
// Every failure surfaced to a caller is one of these kinds (or wraps one),
// so transport adapters can map them to status codes without string matching.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// SchemaNotFoundError is returned when no schema document exists for a model.
type SchemaNotFoundError struct {
	Model string
	Dirs  []string
}

func (e *SchemaNotFoundError) Error() string {
	if len(e.Dirs) == 0 {
		return fmt.Sprintf("schema not found for model %q", e.Model)
	}
	return fmt.Sprintf("schema not found for model %q (searched: %s)", e.Model, strings.Join(e.Dirs, ", "))
}

// SchemaValidationError lists every problem found while loading a schema.
type SchemaValidationError struct {
	Model    string
	Problems []string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("invalid schema %q:\n  - %s", e.Model, strings.Join(e.Problems, "\n  - "))
}

// UnknownFieldTypeError is returned by the field type registry for an
// unregistered type name. At load time it is folded into a SchemaValidationError.
type UnknownFieldTypeError struct {
	Type string
}

func (e *UnknownFieldTypeError) Error() string {
	return fmt.Sprintf("unknown field type %q", e.Type)
}

// RecordNotFoundError is returned when a primary-key lookup misses.
type RecordNotFoundError struct {
	Model string
	ID    any
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("%s record %v not found", e.Model, e.ID)
}

// RelationshipConfigError is returned when a relation is absent from the
// schema or has the wrong type for the requested operation.
type RelationshipConfigError struct {
	Model    string
	Relation string
	Reason   string
}

func (e *RelationshipConfigError) Error() string {
	return fmt.Sprintf("relationship %q on %q: %s", e.Relation, e.Model, e.Reason)
}

// InvalidInputError reports malformed caller input.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input %q: %s", e.Field, e.Reason)
}

// ForbiddenError is returned when the authorization oracle denies an action.
// The message always names the model, the action and the required permission.
type ForbiddenError struct {
	Model      string
	Action     string
	Permission string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("access denied: action %q on model %q requires permission %q", e.Action, e.Model, e.Permission)
}

// FieldError is a single failed rule on a record field.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects rule failures for a record write.
type ValidationError struct {
	Model  string
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("invalid %s record: %s", e.Model, strings.Join(msgs, "; "))
}

// Add appends a field failure.
func (e *ValidationError) Add(field, rule, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Rule: rule, Message: message})
}

// OrNil returns e when it holds failures, nil otherwise.
func (e *ValidationError) OrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// HTTPStatus maps an error to the status code a transport should use.
func HTTPStatus(err error) int {
	var (
		notFound   *SchemaNotFoundError
		invalid    *SchemaValidationError
		unknown    *UnknownFieldTypeError
		missing    *RecordNotFoundError
		relation   *RelationshipConfigError
		input      *InvalidInputError
		forbidden  *ForbiddenError
		validation *ValidationError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &forbidden):
		return http.StatusForbidden
	case errors.As(err, &notFound), errors.As(err, &missing):
		return http.StatusNotFound
	case errors.As(err, &invalid), errors.As(err, &unknown), errors.As(err, &validation):
		return http.StatusUnprocessableEntity
	case errors.As(err, &relation), errors.As(err, &input):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a stable machine-readable code for an error.
func Code(err error) string {
	var (
		notFound   *SchemaNotFoundError
		invalid    *SchemaValidationError
		unknown    *UnknownFieldTypeError
		missing    *RecordNotFoundError
		relation   *RelationshipConfigError
		input      *InvalidInputError
		forbidden  *ForbiddenError
		validation *ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &forbidden):
		return "forbidden"
	case errors.As(err, &notFound):
		return "schema_not_found"
	case errors.As(err, &missing):
		return "record_not_found"
	case errors.As(err, &invalid):
		return "schema_invalid"
	case errors.As(err, &unknown):
		return "unknown_field_type"
	case errors.As(err, &validation):
		return "validation_failed"
	case errors.As(err, &relation):
		return "relationship_config"
	case errors.As(err, &input):
		return "invalid_input"
	default:
		return "internal"
	}
}
