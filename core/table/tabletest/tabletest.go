// Package tabletest provides sqlite-backed fixtures for engine tests.
package tabletest

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/tablegate/adapters/hasher"
	"github.com/artpar/tablegate/adapters/idgen"
	"github.com/artpar/tablegate/core/fieldtype"
	"github.com/artpar/tablegate/core/schema"
	_ "github.com/mattn/go-sqlite3"
)

// Epoch is the time fake clocks in tests start at.
var Epoch = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

// Open returns a fresh sqlite database in a temporary directory. A file is
// used rather than :memory: so every pooled connection sees the same data.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Exec runs each statement, failing the test on the first error.
func Exec(t testing.TB, db *sql.DB, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
}

// Count returns the number of rows in table matching an optional where clause.
func Count(t testing.TB, db *sql.DB, table, where string, args ...any) int {
	t.Helper()
	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

// Registry returns the built-in types with a reversible hasher and
// predictable UUIDs.
func Registry() *fieldtype.Registry {
	return fieldtype.Builtin(fieldtype.Deps{Hasher: hasher.Fake{}, IDs: idgen.NewSequential()})
}

// Compile parses and compiles a JSON schema document.
func Compile(t testing.TB, doc string) *schema.Schema {
	t.Helper()
	return CompileWith(t, doc, Registry())
}

// CompileWith is Compile against a specific registry.
func CompileWith(t testing.TB, doc string, reg *fieldtype.Registry) *schema.Schema {
	t.Helper()
	parsed, err := schema.Parse([]byte(doc), schema.FormatJSON)
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	s, err := schema.Compile(parsed, reg)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	return s
}
