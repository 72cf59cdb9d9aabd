// Package table provides the dynamic table accessor: a plain configuration
// value built from a compiled schema that reads and writes one table.
//
// An Accessor is cheap to build and holds per-operation state. Build one per
// operation with Configure (or Clone an existing one); never share one
// between concurrent operations.
package table

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/tablegate/core/dialect"
	"github.com/artpar/tablegate/core/errs"
	"github.com/artpar/tablegate/core/fieldtype"
	"github.com/artpar/tablegate/core/schema"
	"github.com/artpar/tablegate/ports"
)

// Queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Record is one row keyed by column name, in response form.
type Record map[string]any

// Accessor reads and writes the table described by a schema.
type Accessor struct {
	schema  *schema.Schema
	db      Queryer
	dialect dialect.Dialect
	clock   ports.Clock

	table      string
	primaryKey string
	fields     []schema.Field
	byName     map[string]schema.Field
	timestamps bool
	softDelete bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Configure builds an Accessor for s. Virtual fields are left out of the
// persisted column set.
func Configure(s *schema.Schema, db Queryer, d dialect.Dialect, clock ports.Clock) *Accessor {
	if clock == nil {
		clock = systemClock{}
	}
	a := &Accessor{
		schema:     s,
		db:         db,
		dialect:    d,
		clock:      clock,
		table:      s.Table,
		primaryKey: s.PrimaryKey,
		fields:     s.PersistedFields(),
		timestamps: s.HasTimestamps(),
		softDelete: s.HasSoftDelete(),
	}
	a.byName = make(map[string]schema.Field, len(a.fields))
	for _, f := range a.fields {
		a.byName[f.Name] = f
	}
	return a
}

// Clone returns an independent copy of the accessor.
func (a *Accessor) Clone() *Accessor {
	c := *a
	c.fields = append([]schema.Field(nil), a.fields...)
	c.byName = make(map[string]schema.Field, len(a.byName))
	for k, v := range a.byName {
		c.byName[k] = v
	}
	return &c
}

// WithDB returns a clone that runs its statements on q (typically a *sql.Tx).
func (a *Accessor) WithDB(q Queryer) *Accessor {
	c := a.Clone()
	c.db = q
	return c
}

func (a *Accessor) Schema() *schema.Schema   { return a.schema }
func (a *Accessor) Table() string            { return a.table }
func (a *Accessor) PrimaryKey() string       { return a.primaryKey }
func (a *Accessor) Dialect() dialect.Dialect { return a.dialect }
func (a *Accessor) DB() Queryer              { return a.db }
func (a *Accessor) SoftDelete() bool         { return a.softDelete }
func (a *Accessor) Timestamps() bool         { return a.timestamps }

// Field returns a persisted field by name.
func (a *Accessor) Field(name string) (schema.Field, bool) {
	f, ok := a.byName[name]
	return f, ok
}

// Columns returns every column the accessor reads, in document order,
// followed by the engine-maintained timestamp columns.
func (a *Accessor) Columns() []string {
	cols := make([]string, 0, len(a.fields)+3)
	for _, f := range a.fields {
		cols = append(cols, f.Name)
	}
	if a.timestamps {
		cols = appendMissing(cols, schema.CreatedAt, schema.UpdatedAt)
	}
	if a.softDelete {
		cols = appendMissing(cols, schema.DeletedAt)
	}
	return cols
}

func appendMissing(cols []string, names ...string) []string {
	for _, n := range names {
		found := false
		for _, c := range cols {
			if c == n {
				found = true
				break
			}
		}
		if !found {
			cols = append(cols, n)
		}
	}
	return cols
}

// SelectList renders the quoted column list, optionally qualified by alias.
func (a *Accessor) SelectList(alias string) string {
	cols := a.Columns()
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = a.Column(alias, c)
	}
	return strings.Join(out, ", ")
}

// Column renders a quoted, optionally qualified, column reference.
func (a *Accessor) Column(alias, name string) string {
	if alias == "" {
		return a.dialect.Quote(name)
	}
	return alias + "." + a.dialect.Quote(name)
}

// QuotedTable renders the quoted table name.
func (a *Accessor) QuotedTable() string {
	return a.dialect.Quote(a.table)
}

// NotDeleted returns the soft-delete predicate for alias, or "".
func (a *Accessor) NotDeleted(alias string) string {
	if !a.softDelete {
		return ""
	}
	return a.Column(alias, schema.DeletedAt) + " IS NULL"
}

// KeyValue converts a caller-supplied id into the primary key's stored form.
func (a *Accessor) KeyValue(id any) (any, error) {
	if id == nil {
		return nil, &errs.InvalidInputError{Field: a.primaryKey, Reason: "id is required"}
	}
	switch id.(type) {
	case string, []byte, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
	default:
		return nil, &errs.InvalidInputError{Field: a.primaryKey, Reason: fmt.Sprintf("id must be a scalar, got %T", id)}
	}
	f, ok := a.byName[a.primaryKey]
	if !ok || f.Handler() == nil {
		return id, nil
	}
	v, err := f.Handler().Transform(id)
	if err != nil || v == nil {
		return nil, &errs.InvalidInputError{Field: a.primaryKey, Reason: fmt.Sprintf("invalid id %v", id)}
	}
	return v, nil
}

// Find returns the record with the given primary key. Soft-deleted rows are
// not found.
func (a *Accessor) Find(ctx context.Context, id any) (Record, error) {
	return a.find(ctx, id, false)
}

// FindWithTrashed is Find including soft-deleted rows.
func (a *Accessor) FindWithTrashed(ctx context.Context, id any) (Record, error) {
	return a.find(ctx, id, true)
}

func (a *Accessor) find(ctx context.Context, id any, withTrashed bool) (Record, error) {
	key, err := a.KeyValue(id)
	if err != nil {
		return nil, err
	}
	args := dialect.NewArgs(a.dialect)
	where := a.Column("", a.primaryKey) + " = " + args.Add(key)
	if nd := a.NotDeleted(""); nd != "" && !withTrashed {
		where += " AND " + nd
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", a.SelectList(""), a.QuotedTable(), where)

	rows, err := a.db.QueryContext(ctx, query, args.Values()...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", a.schema.Model, err)
	}
	records, err := a.Scan(rows)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", a.schema.Model, err)
	}
	if len(records) == 0 {
		return nil, &errs.RecordNotFoundError{Model: a.schema.Model, ID: id}
	}
	return records[0], nil
}

// Exists reports whether a live row has the given primary key.
func (a *Accessor) Exists(ctx context.Context, id any) (bool, error) {
	key, err := a.KeyValue(id)
	if err != nil {
		return false, err
	}
	args := dialect.NewArgs(a.dialect)
	where := a.Column("", a.primaryKey) + " = " + args.Add(key)
	if nd := a.NotDeleted(""); nd != "" {
		where += " AND " + nd
	}
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE %s", a.QuotedTable(), where)

	var one int
	err = a.db.QueryRowContext(ctx, query, args.Values()...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", a.schema.Model, err)
	}
	return true, nil
}

// Scan reads every row into records in response form and closes rows.
func (a *Accessor) Scan(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		rec := make(Record, len(cols))
		for i, col := range cols {
			if v, keep := a.castColumn(col, values[i]); keep {
				rec[col] = v
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (a *Accessor) castColumn(col string, v any) (any, bool) {
	if f, ok := a.byName[col]; ok && f.Handler() != nil {
		if fieldtype.IsWriteOnly(f.Handler()) {
			return nil, false
		}
		return f.Handler().Cast(v), true
	}
	switch col {
	case schema.CreatedAt, schema.UpdatedAt, schema.DeletedAt:
		return fieldtype.DateTime{}.Cast(v), true
	}
	if b, ok := v.([]byte); ok {
		return string(b), true
	}
	return v, true
}
