package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"nil", nil, http.StatusOK, ""},
		{"schema not found", &SchemaNotFoundError{Model: "x"}, http.StatusNotFound, "schema_not_found"},
		{"schema invalid", &SchemaValidationError{Model: "x", Problems: []string{"p"}}, http.StatusUnprocessableEntity, "schema_invalid"},
		{"unknown type", &UnknownFieldTypeError{Type: "blob"}, http.StatusUnprocessableEntity, "unknown_field_type"},
		{"record missing", &RecordNotFoundError{Model: "x", ID: 1}, http.StatusNotFound, "record_not_found"},
		{"relationship", &RelationshipConfigError{Model: "x", Relation: "r", Reason: "absent"}, http.StatusBadRequest, "relationship_config"},
		{"input", &InvalidInputError{Reason: "empty"}, http.StatusBadRequest, "invalid_input"},
		{"forbidden", &ForbiddenError{Model: "x", Action: "create", Permission: "p"}, http.StatusForbidden, "forbidden"},
		{"validation", &ValidationError{Model: "x", Fields: []FieldError{{Field: "a"}}}, http.StatusUnprocessableEntity, "validation_failed"},
		{"wrapped", fmt.Errorf("list: %w", &RecordNotFoundError{Model: "x"}), http.StatusNotFound, "record_not_found"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
			if got := Code(tt.err); got != tt.code {
				t.Errorf("Code() = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestForbiddenError_Message(t *testing.T) {
	err := &ForbiddenError{Model: "products", Action: "create", Permission: "create_x"}
	msg := err.Error()
	for _, part := range []string{"products", "create", "create_x"} {
		if !strings.Contains(msg, part) {
			t.Errorf("message %q missing %q", msg, part)
		}
	}
}

func TestValidationError_OrNil(t *testing.T) {
	v := &ValidationError{Model: "x"}
	if v.OrNil() != nil {
		t.Error("empty ValidationError should be nil")
	}
	v.Add("name", "required", "field is required")
	if v.OrNil() == nil {
		t.Fatal("ValidationError with failures should not be nil")
	}
	if !strings.Contains(v.Error(), "name: field is required") {
		t.Errorf("unexpected message %q", v.Error())
	}
}
