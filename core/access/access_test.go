package access

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/artpar/tablegate/adapters/memory"
	"github.com/artpar/tablegate/core/errs"
	"github.com/artpar/tablegate/core/table/tabletest"
	"github.com/artpar/tablegate/ports"
	"github.com/rs/zerolog"
)

const productsDoc = `{
  "model": "products",
  "fields": {"name": {"type": "string"}},
  "permissions": {"read": "uri_products", "create": "create_x"},
  "actions": [
    {"key": "publish", "type": "field_update", "field": "name", "value": "p", "permission": "publish_products"},
    {"key": "archive"},
    {"key": "feature"}
  ]
}`

type failingOracle struct{}

func (failingOracle) CheckAccess(context.Context, ports.Principal, string) (bool, error) {
	return false, errors.New("oracle unavailable")
}

func TestResolvePermission(t *testing.T) {
	s := tabletest.Compile(t, productsDoc)
	s.Permissions["archive"] = "archive_products"

	tests := []struct {
		action string
		slug   string
		ok     bool
	}{
		{"read", "uri_products", true},
		{"create", "create_x", true},
		{"update", "", false},
		{"delete", "", false},
		{"publish", "publish_products", true},
		{"archive", "archive_products", true},
		{"feature", "", false},
	}
	for _, tt := range tests {
		slug, ok := ResolvePermission(s, tt.action)
		if slug != tt.slug || ok != tt.ok {
			t.Errorf("ResolvePermission(%q) = %q, %v, want %q, %v", tt.action, slug, ok, tt.slug, tt.ok)
		}
	}
}

func TestCheck(t *testing.T) {
	s := tabletest.Compile(t, productsDoc)
	var logs bytes.Buffer
	g := New(Config{
		Authorizer: memory.NewGrants(map[string][]string{"maker": {"create_x"}}),
		Logger:     zerolog.New(&logs),
	})
	ctx := context.Background()

	err := g.Check(ctx, ports.Principal{ID: "guest"}, s, "create")
	var forbidden *errs.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("Check error = %v, want ForbiddenError", err)
	}
	if forbidden.Model != "products" || forbidden.Action != "create" || forbidden.Permission != "create_x" {
		t.Errorf("ForbiddenError = %+v", forbidden)
	}
	for _, want := range []string{"products", "create", "create_x"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
	if errs.HTTPStatus(err) != 403 {
		t.Errorf("HTTPStatus = %d, want 403", errs.HTTPStatus(err))
	}
	if !strings.Contains(logs.String(), "access denied") {
		t.Errorf("denial not logged: %s", logs.String())
	}

	if err := g.Check(ctx, ports.Principal{ID: "maker"}, s, "create"); err != nil {
		t.Errorf("principal holding create_x was refused: %v", err)
	}
	if err := g.Check(ctx, ports.Principal{}, s, "delete"); err != nil {
		t.Errorf("undeclared action should be open, got %v", err)
	}
	if err := g.Check(ctx, ports.Principal{ID: "maker"}, s, "publish"); !errors.As(err, &forbidden) || forbidden.Permission != "publish_products" {
		t.Errorf("custom action error = %v, want ForbiddenError for publish_products", err)
	}
}

func TestCheck_FailsClosed(t *testing.T) {
	s := tabletest.Compile(t, productsDoc)
	ctx := context.Background()

	err := New(Config{Logger: zerolog.Nop()}).Check(ctx, ports.Principal{ID: "maker"}, s, "read")
	var forbidden *errs.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Errorf("gate without oracle error = %v, want ForbiddenError", err)
	}

	err = New(Config{Authorizer: failingOracle{}, Logger: zerolog.Nop()}).Check(ctx, ports.Principal{ID: "maker"}, s, "read")
	if err == nil || !strings.Contains(err.Error(), "oracle unavailable") {
		t.Errorf("oracle failure error = %v", err)
	}

	if err := New(Config{Logger: zerolog.Nop()}).Check(ctx, ports.Principal{}, s, "delete"); err != nil {
		t.Errorf("undeclared action without oracle = %v, want nil", err)
	}
}
