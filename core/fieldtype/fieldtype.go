// Package fieldtype maps schema type names to handlers that move values
// between their request form, their persisted form and their response form.
//
// Handlers are resolved once, when a schema is compiled, and stored on the
// schema's fields. The hot query path never looks a type up by name.
package fieldtype

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/artpar/tablegate/core/errs"
)

// ErrOmit is returned by Transform when the value must not be persisted
// (an empty password on update, a virtual field).
var ErrOmit = errors.New("value is not persisted")

// Handler is the contract every field type implements.
type Handler interface {
	// Name is the type name the handler was built for.
	Name() string

	// Transform converts a request value into its persisted form.
	Transform(v any) (any, error)

	// Cast converts a persisted value into its response form.
	Cast(v any) any

	// Rules lists the validation rules implied by the type.
	Rules() []Rule

	// Virtual reports a UI-only field with no column.
	Virtual() bool
}

// WriteOnly is implemented by handlers whose stored value is never returned.
type WriteOnly interface {
	WriteOnly() bool
}

// Textual is implemented by handlers whose values compare as text, which
// makes them eligible for LIKE filters and free-text search.
type Textual interface {
	Textual() bool
}

// Presenter is implemented by handlers that carry a UI presentation hint.
type Presenter interface {
	Presentation() string
}

// Generated is implemented by handlers that produce a value on create when
// the request carries none.
type Generated interface {
	Generated() bool
}

// IsGenerated reports whether h fills in absent values on create.
func IsGenerated(h Handler) bool {
	g, ok := h.(Generated)
	return ok && g.Generated()
}

// IsWriteOnly reports whether h never returns its stored value.
func IsWriteOnly(h Handler) bool {
	w, ok := h.(WriteOnly)
	return ok && w.WriteOnly()
}

// IsTextual reports whether h compares as text.
func IsTextual(h Handler) bool {
	t, ok := h.(Textual)
	return ok && t.Textual()
}

// Registry maps type names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for a type name.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("register field type: empty name")
	}
	if h == nil {
		return fmt.Errorf("register field type %q: nil handler", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
	return nil
}

// MustRegister is Register for static setup; it panics on error.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Resolve returns the handler for a type name.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, &errs.UnknownFieldTypeError{Type: name}
	}
	return h, nil
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
