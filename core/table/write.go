package table

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/artpar/tablegate/core/dialect"
	"github.com/artpar/tablegate/core/errs"
	"github.com/artpar/tablegate/core/fieldtype"
	"github.com/artpar/tablegate/core/schema"
)

type column struct {
	name  string
	value any
}

// Create validates and inserts a record, returning it as stored.
// Input keys that are not editable fields are ignored.
func (a *Accessor) Create(ctx context.Context, input map[string]any) (Record, error) {
	cols, err := a.prepare(input, true)
	if err != nil {
		return nil, err
	}

	now := a.clock.Now().UTC()
	if a.timestamps {
		cols = setColumn(cols, schema.CreatedAt, now)
		cols = setColumn(cols, schema.UpdatedAt, now)
	}

	var id any
	for _, c := range cols {
		if c.name == a.primaryKey {
			id = c.value
		}
	}

	args := dialect.NewArgs(a.dialect)
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		names[i] = a.dialect.Quote(c.name)
		marks[i] = args.Add(c.value)
	}

	var query string
	if len(cols) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", a.QuotedTable())
		if a.dialect.Name() == "mysql" {
			query = fmt.Sprintf("INSERT INTO %s () VALUES ()", a.QuotedTable())
		}
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			a.QuotedTable(), strings.Join(names, ", "), strings.Join(marks, ", "))
	}

	switch {
	case id != nil:
		if _, err := a.db.ExecContext(ctx, query, args.Values()...); err != nil {
			return nil, fmt.Errorf("insert %s: %w", a.schema.Model, err)
		}
	case a.dialect.Returning():
		query += " RETURNING " + a.dialect.Quote(a.primaryKey)
		if err := a.db.QueryRowContext(ctx, query, args.Values()...).Scan(&id); err != nil {
			return nil, fmt.Errorf("insert %s: %w", a.schema.Model, err)
		}
	default:
		res, err := a.db.ExecContext(ctx, query, args.Values()...)
		if err != nil {
			return nil, fmt.Errorf("insert %s: %w", a.schema.Model, err)
		}
		last, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert %s: read generated key: %w", a.schema.Model, err)
		}
		id = last
	}

	return a.Find(ctx, id)
}

// Update validates and writes the editable fields present in input.
func (a *Accessor) Update(ctx context.Context, id any, input map[string]any) (Record, error) {
	key, err := a.KeyValue(id)
	if err != nil {
		return nil, err
	}
	current, err := a.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	cols, err := a.prepare(input, false)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return current, nil
	}
	if a.timestamps {
		cols = setColumn(cols, schema.UpdatedAt, a.clock.Now().UTC())
	}

	args := dialect.NewArgs(a.dialect)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = a.dialect.Quote(c.name) + " = " + args.Add(c.value)
	}
	where := a.Column("", a.primaryKey) + " = " + args.Add(key)
	if nd := a.NotDeleted(""); nd != "" {
		where += " AND " + nd
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", a.QuotedTable(), strings.Join(sets, ", "), where)

	if _, err := a.db.ExecContext(ctx, query, args.Values()...); err != nil {
		return nil, fmt.Errorf("update %s: %w", a.schema.Model, err)
	}
	return a.Find(ctx, id)
}

// SetField writes one field, bypassing the editable flag. Custom actions
// use it to change fields callers cannot edit directly.
func (a *Accessor) SetField(ctx context.Context, id any, name string, value any) (Record, error) {
	f, ok := a.byName[name]
	if !ok || name == a.primaryKey {
		return nil, &errs.InvalidInputError{Field: name, Reason: "not a writable field"}
	}
	key, err := a.KeyValue(id)
	if err != nil {
		return nil, err
	}
	if _, err := a.Find(ctx, id); err != nil {
		return nil, err
	}

	verr := &errs.ValidationError{Model: a.schema.Model}
	stored, omit := a.convert(f, value, true, verr)
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	if omit {
		return a.Find(ctx, id)
	}

	cols := []column{{name: name, value: stored}}
	if a.timestamps {
		cols = setColumn(cols, schema.UpdatedAt, a.clock.Now().UTC())
	}
	args := dialect.NewArgs(a.dialect)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = a.dialect.Quote(c.name) + " = " + args.Add(c.value)
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		a.QuotedTable(), strings.Join(sets, ", "), a.dialect.Quote(a.primaryKey), args.Add(key))
	if _, err := a.db.ExecContext(ctx, query, args.Values()...); err != nil {
		return nil, fmt.Errorf("update %s: %w", a.schema.Model, err)
	}
	return a.Find(ctx, id)
}

// Delete removes a record, or marks it deleted when the schema uses soft delete.
func (a *Accessor) Delete(ctx context.Context, id any) error {
	key, err := a.KeyValue(id)
	if err != nil {
		return err
	}

	args := dialect.NewArgs(a.dialect)
	var query string
	if a.softDelete {
		set := a.dialect.Quote(schema.DeletedAt) + " = " + args.Add(a.clock.Now().UTC())
		query = fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s AND %s",
			a.QuotedTable(), set, a.dialect.Quote(a.primaryKey), args.Add(key), a.NotDeleted(""))
	} else {
		query = fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
			a.QuotedTable(), a.dialect.Quote(a.primaryKey), args.Add(key))
	}

	res, err := a.db.ExecContext(ctx, query, args.Values()...)
	if err != nil {
		return fmt.Errorf("delete %s: %w", a.schema.Model, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", a.schema.Model, err)
	}
	if n == 0 {
		return &errs.RecordNotFoundError{Model: a.schema.Model, ID: id}
	}
	return nil
}

// prepare validates input and converts it to stored column values in
// document order. On create, defaults and generated values are applied and
// required fields must be present.
func (a *Accessor) prepare(input map[string]any, create bool) ([]column, error) {
	verr := &errs.ValidationError{Model: a.schema.Model}
	var cols []column

	for _, f := range a.fields {
		if !create && f.Name == a.primaryKey {
			continue
		}
		if !f.IsEditable() {
			// generated keys (uuid primary keys) are filled in on create even
			// though callers may not set them
			if create && f.Handler() != nil && fieldtype.IsGenerated(f.Handler()) {
				v, err := f.Handler().Transform(nil)
				if err != nil {
					verr.Add(f.Name, "type", err.Error())
					continue
				}
				cols = append(cols, column{name: f.Name, value: v})
			}
			continue
		}

		raw, present := input[f.Name]
		if !present && create {
			if f.Default != nil {
				raw, present = f.Default, true
			} else if f.Handler() != nil && fieldtype.IsGenerated(f.Handler()) {
				raw, present = nil, true
			}
		}
		if !present {
			if create {
				a.check(f, nil, verr)
			}
			continue
		}

		stored, omit := a.convert(f, raw, create, verr)
		if !omit {
			cols = append(cols, column{name: f.Name, value: stored})
		}
	}

	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return cols, nil
}

// convert checks the field rules against raw and transforms it. It reports
// omit when the value must not be written.
func (a *Accessor) convert(f schema.Field, raw any, create bool, verr *errs.ValidationError) (any, bool) {
	h := f.Handler()
	generate := create && h != nil && fieldtype.IsGenerated(h) && raw == nil

	if !generate && !a.check(f, raw, verr) {
		return nil, true
	}
	if h == nil {
		return raw, false
	}
	v, err := h.Transform(raw)
	if errors.Is(err, fieldtype.ErrOmit) {
		return nil, true
	}
	if err != nil {
		verr.Add(f.Name, "type", err.Error())
		return nil, true
	}
	return v, false
}

func (a *Accessor) check(f schema.Field, raw any, verr *errs.ValidationError) bool {
	ok := true
	for _, rule := range f.Rules() {
		if msg := fieldtype.Check(rule, raw); msg != "" {
			verr.Add(f.Name, rule.Name, msg)
			ok = false
		}
	}
	return ok
}

func setColumn(cols []column, name string, v any) []column {
	for i := range cols {
		if cols[i].name == name {
			cols[i].value = v
			return cols
		}
	}
	return append(cols, column{name: name, value: v})
}
