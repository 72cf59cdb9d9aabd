package crud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/artpar/tablegate/adapters/memory"
	"github.com/artpar/tablegate/core/access"
	"github.com/artpar/tablegate/core/dialect"
	"github.com/artpar/tablegate/core/errs"
	"github.com/artpar/tablegate/core/loader"
	"github.com/artpar/tablegate/core/query"
	"github.com/artpar/tablegate/core/schema"
	"github.com/artpar/tablegate/core/table/tabletest"
	"github.com/artpar/tablegate/ports"
	"github.com/rs/zerolog"
)

const productsDoc = `{
  "model": "products",
  "table": "products",
  "primary_key": "id",
  "fields": {
    "id":       {"type": "integer"},
    "name":     {"type": "string", "sortable": true, "listable": true, "required": true},
    "price":    {"type": "currency", "listable": true},
    "featured": {"type": "boolean-toggle", "editable": false},
    "status":   {"type": "string", "default": "draft"}
  },
  "permissions": {"read": "uri_products", "create": "create_x", "update": "update_products", "delete": "delete_products"},
  "relationships": [
    {"name": "categories", "type": "many_to_many", "pivot_table": "product_categories",
     "foreign_key": "product_id", "related_key": "category_id"}
  ],
  "actions": [
    {"key": "feature", "type": "field_update", "field": "featured", "permission": "feature_products"},
    {"key": "publish", "type": "field_update", "field": "status", "value": "published"},
    {"key": "preview", "type": "link"}
  ]
}`

const categoriesDoc = `
model: categories
timestamps: false
fields:
  name:
    type: string
    listable: true
permissions:
  read: uri_categories
`

const ddl = `
CREATE TABLE products (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  price INTEGER,
  featured BOOLEAN DEFAULT 0,
  status TEXT,
  created_at DATETIME,
  updated_at DATETIME
);
CREATE TABLE categories (id INTEGER PRIMARY KEY, name TEXT);
CREATE TABLE product_categories (product_id INTEGER NOT NULL, category_id INTEGER NOT NULL, UNIQUE (product_id, category_id));
INSERT INTO categories (id, name) VALUES (1, 'tools'), (2, 'toys'), (3, 'books');
`

type opRecord struct {
	model, op string
	failed    bool
}

type recordingMetrics struct {
	ports.NopMetrics
	mu  sync.Mutex
	ops []opRecord
}

func (m *recordingMetrics) Operation(model, op string, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, opRecord{model, op, err != nil})
}

type fixture struct {
	svc     *Service
	metrics *recordingMetrics
	logs    *bytes.Buffer
}

var (
	admin  = ports.Principal{ID: "root", Roles: []string{"admin"}}
	reader = ports.Principal{ID: "reader"}
	guest  = ports.Principal{ID: "guest"}
)

func setup(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	for name, doc := range map[string]string{"products.json": productsDoc, "categories.yaml": categoriesDoc} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	ld, err := loader.New(loader.Config{Dirs: []string{dir}, Registry: tabletest.Registry(), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}

	db := tabletest.Open(t)
	tabletest.Exec(t, db, ddl)

	f := &fixture{metrics: &recordingMetrics{}, logs: &bytes.Buffer{}}
	logger := zerolog.New(f.logs)
	grants := memory.NewGrants(map[string][]string{
		"role:admin": {memory.Wildcard},
		"reader":     {"uri_products"},
	})
	f.svc, err = New(Config{
		Schemas: ld,
		DB:      db,
		Dialect: dialect.SQLite{},
		Gate:    access.New(access.Config{Authorizer: grants, Logger: logger}),
		Metrics: f.metrics,
		Logger:  logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New without a schema source should fail")
	}
	ld, _ := loader.New(loader.Config{Dirs: []string{t.TempDir()}, Registry: tabletest.Registry()})
	if _, err := New(Config{Schemas: ld}); err == nil {
		t.Error("New without a database should fail")
	}
}

func TestService_PermissionGate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, reader, "products", map[string]any{"name": "hammer"})
	var forbidden *errs.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("Create without create_x error = %v, want ForbiddenError", err)
	}
	if !strings.Contains(err.Error(), "create_x") {
		t.Errorf("error %q does not name the permission", err)
	}

	rec, err := f.svc.Create(ctx, admin, "products", map[string]any{"name": "hammer", "price": "9.50"})
	if err != nil {
		t.Fatalf("Create with create_x failed: %v", err)
	}
	if rec["status"] != "draft" || rec["price"] != 9.5 {
		t.Errorf("created record = %v", rec)
	}

	if _, err := f.svc.Get(ctx, reader, "products", rec["id"]); err != nil {
		t.Errorf("reader Get failed: %v", err)
	}
	if _, err := f.svc.Get(ctx, guest, "products", rec["id"]); !errors.As(err, &forbidden) {
		t.Errorf("guest Get error = %v, want ForbiddenError", err)
	}
	if !strings.Contains(f.logs.String(), "operation failed") {
		t.Error("failed operation was not logged")
	}
}

func TestService_ListScenario(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	for i := 1; i <= 25; i++ {
		if _, err := f.svc.Create(ctx, admin, "products", map[string]any{"name": fmt.Sprintf("item-%02d", i), "price": i}); err != nil {
			t.Fatal(err)
		}
	}

	res, err := f.svc.List(ctx, reader, "products", query.Request{
		Sorts: []schema.SortKey{{Field: "name", Desc: true}},
		Page:  1,
		Size:  10,
	})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(res.Rows) != 10 || res.Count != 25 || res.CountFiltered != 25 {
		t.Fatalf("rows = %d count = %d count_filtered = %d", len(res.Rows), res.Count, res.CountFiltered)
	}
	for i, r := range res.Rows {
		if want := fmt.Sprintf("item-%02d", 25-i); r["name"] != want {
			t.Errorf("row %d name = %v, want %s", i, r["name"], want)
		}
	}
}

func TestService_UpdateDelete(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec, err := f.svc.Create(ctx, admin, "products", map[string]any{"name": "saw"})
	if err != nil {
		t.Fatal(err)
	}
	id := rec["id"]

	rec, err = f.svc.Update(ctx, admin, "products", id, map[string]any{"name": "jigsaw", "featured": true})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if rec["name"] != "jigsaw" || rec["featured"] != false {
		t.Errorf("updated record = %v", rec)
	}

	if err := f.svc.Delete(ctx, reader, "products", id); err == nil {
		t.Error("reader could delete")
	}
	if err := f.svc.Delete(ctx, admin, "products", id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	var nf *errs.RecordNotFoundError
	if _, err := f.svc.Get(ctx, admin, "products", id); !errors.As(err, &nf) {
		t.Errorf("Get after delete error = %v, want RecordNotFoundError", err)
	}
}

func TestService_Relations(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec, err := f.svc.Create(ctx, admin, "products", map[string]any{"name": "lego"})
	if err != nil {
		t.Fatal(err)
	}
	id := rec["id"]

	if _, err := f.svc.Attach(ctx, reader, "products", id, "categories", []any{1}); err == nil {
		t.Error("reader could attach")
	}
	if n, err := f.svc.Attach(ctx, admin, "products", id, "categories", []any{1, 2}); err != nil || n != 2 {
		t.Fatalf("Attach = %d, %v", n, err)
	}
	if n, err := f.svc.Attach(ctx, admin, "products", id, "categories", []any{2, 3}); err != nil || n != 1 {
		t.Fatalf("second Attach = %d, %v", n, err)
	}

	res, err := f.svc.Related(ctx, admin, "products", id, "categories", query.Request{})
	if err != nil {
		t.Fatalf("Related failed: %v", err)
	}
	if res.Count != 3 {
		t.Errorf("related count = %d, want 3", res.Count)
	}

	// reader may read products but not categories
	var forbidden *errs.ForbiddenError
	if _, err := f.svc.Related(ctx, reader, "products", id, "categories", query.Request{}); !errors.As(err, &forbidden) || forbidden.Model != "categories" {
		t.Errorf("reader Related error = %v, want ForbiddenError on categories", err)
	}

	if n, err := f.svc.Detach(ctx, admin, "products", id, "categories", []any{1, 2, 3}); err != nil || n != 3 {
		t.Errorf("Detach = %d, %v", n, err)
	}
}

func TestService_RunAction(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec, err := f.svc.Create(ctx, admin, "products", map[string]any{"name": "kite"})
	if err != nil {
		t.Fatal(err)
	}
	id := rec["id"]

	res, err := f.svc.RunAction(ctx, admin, "products", id, "feature")
	if err != nil {
		t.Fatalf("feature failed: %v", err)
	}
	if !res.Executed || res.Record["featured"] != true {
		t.Errorf("first toggle = %+v", res)
	}
	res, err = f.svc.RunAction(ctx, admin, "products", id, "feature")
	if err != nil || res.Record["featured"] != false {
		t.Errorf("second toggle = %+v, %v", res, err)
	}

	// publish has no permission of its own and none under its key, so it is open
	res, err = f.svc.RunAction(ctx, reader, "products", id, "publish")
	if err != nil || res.Record["status"] != "published" {
		t.Errorf("publish = %+v, %v", res, err)
	}

	res, err = f.svc.RunAction(ctx, admin, "products", id, "preview")
	if err != nil || res.Executed || res.Record["name"] != "kite" {
		t.Errorf("authorize-only action = %+v, %v", res, err)
	}

	var forbidden *errs.ForbiddenError
	if _, err := f.svc.RunAction(ctx, reader, "products", id, "feature"); !errors.As(err, &forbidden) || forbidden.Permission != "feature_products" {
		t.Errorf("reader feature error = %v", err)
	}
	var invalid *errs.InvalidInputError
	if _, err := f.svc.RunAction(ctx, admin, "products", id, "explode"); !errors.As(err, &invalid) {
		t.Errorf("unknown action error = %v, want InvalidInputError", err)
	}
	var nf *errs.RecordNotFoundError
	if _, err := f.svc.RunAction(ctx, admin, "products", 999, "feature"); !errors.As(err, &nf) {
		t.Errorf("missing record error = %v, want RecordNotFoundError", err)
	}
}

func TestService_SchemaAndMetrics(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	payload, err := f.svc.Schema(ctx, reader, "products", []string{"list", "form"})
	if err != nil {
		t.Fatalf("Schema failed: %v", err)
	}
	if payload.Multi == nil || len(payload.Multi.Contexts) != 2 {
		t.Fatalf("payload = %+v, want two contexts", payload)
	}
	payload, err = f.svc.Schema(ctx, reader, "products", []string{"list"})
	if err != nil || payload.Single == nil {
		t.Fatalf("single context payload = %+v, %v", payload, err)
	}

	var notFound *errs.SchemaNotFoundError
	if _, err := f.svc.Schema(ctx, admin, "missing", nil); !errors.As(err, &notFound) {
		t.Errorf("missing model error = %v, want SchemaNotFoundError", err)
	}
	var forbidden *errs.ForbiddenError
	if _, err := f.svc.Schema(ctx, guest, "products", nil); !errors.As(err, &forbidden) {
		t.Errorf("ungranted schema error = %v, want ForbiddenError", err)
	}

	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	want := []opRecord{
		{"products", OpSchema, false},
		{"products", OpSchema, false},
		{"missing", OpSchema, true},
		{"products", OpSchema, true},
	}
	if fmt.Sprint(f.metrics.ops) != fmt.Sprint(want) {
		t.Errorf("recorded operations = %v, want %v", f.metrics.ops, want)
	}
}
