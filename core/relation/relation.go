// Package relation reads and mutates the relationships declared on a schema.
//
// many_to_many relations support Attach and Detach. Every relation shape,
// including details, can be listed with Related, which runs the target
// model's own query engine scoped to the parent record.
package relation

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/artpar/tablegate/core/dialect"
	"github.com/artpar/tablegate/core/errs"
	"github.com/artpar/tablegate/core/query"
	"github.com/artpar/tablegate/core/schema"
	"github.com/artpar/tablegate/core/table"
)

// Beginner starts database transactions. *sql.DB satisfies it.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Resolver returns a freshly configured accessor for a model.
type Resolver func(ctx context.Context, model string) (*table.Accessor, error)

// Manager handles the relationships of one parent model. Like the accessor
// it wraps, a Manager belongs to a single operation.
type Manager struct {
	parent  *table.Accessor
	db      Beginner
	resolve Resolver
}

// New creates a manager for the parent accessor.
func New(parent *table.Accessor, db Beginner, resolve Resolver) *Manager {
	return &Manager{parent: parent, db: db, resolve: resolve}
}

// Lookup returns the named relationship. A details entry can be addressed
// by its model name and is treated as has_many.
func Lookup(s *schema.Schema, name string) (schema.Relationship, error) {
	if rel, ok := s.Relationship(name); ok {
		return rel, nil
	}
	if d, ok := s.Detail(name); ok {
		return d.AsRelationship(), nil
	}
	return schema.Relationship{}, &errs.RelationshipConfigError{Model: s.Model, Relation: name, Reason: "not defined"}
}

func (m *Manager) pivot(name string) (schema.Relationship, error) {
	s := m.parent.Schema()
	rel, err := Lookup(s, name)
	if err != nil {
		return rel, err
	}
	if rel.Type != schema.ManyToMany {
		return rel, &errs.RelationshipConfigError{
			Model:    s.Model,
			Relation: name,
			Reason:   fmt.Sprintf("type %s does not support attach or detach", rel.Type),
		}
	}
	return rel, nil
}

// keys validates the parent id and the related ids. Related ids are
// converted through the target's primary key type and de-duplicated with
// their order kept.
func (m *Manager) keys(ctx context.Context, rel schema.Relationship, parentID any, ids []any) (any, []any, error) {
	if len(ids) == 0 {
		return nil, nil, &errs.InvalidInputError{Field: "ids", Reason: "at least one related id is required"}
	}

	pid, err := m.parent.KeyValue(parentID)
	if err != nil {
		return nil, nil, err
	}
	ok, err := m.parent.Exists(ctx, pid)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, &errs.RecordNotFoundError{Model: m.parent.Schema().Model, ID: parentID}
	}

	target, err := m.resolve(ctx, rel.Model)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[string]bool, len(ids))
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		v, err := target.KeyValue(id)
		if err != nil {
			return nil, nil, &errs.InvalidInputError{Field: "ids", Reason: fmt.Sprintf("invalid related id %v", id)}
		}
		k := fmt.Sprintf("%T:%v", v, v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return pid, out, nil
}

// Attach links related ids to the parent through the pivot table. Pairs
// that already exist are left alone. All inserts commit together or not at
// all. It returns the number of pivot rows created.
func (m *Manager) Attach(ctx context.Context, parentID any, relation string, ids []any) (int64, error) {
	rel, err := m.pivot(relation)
	if err != nil {
		return 0, err
	}
	pid, keys, err := m.keys(ctx, rel, parentID, ids)
	if err != nil {
		return 0, err
	}

	d := m.parent.Dialect()
	pivot, fk, rk := d.Quote(rel.PivotTable), d.Quote(rel.ForeignKey), d.Quote(rel.RelatedKey)
	prefix, suffix := d.InsertIgnore()

	var created int64
	err = m.inTx(ctx, func(tx *sql.Tx) error {
		present, err := existing(ctx, tx, d, pivot, fk, rk, pid, keys)
		if err != nil {
			return err
		}
		insert := fmt.Sprintf("%s INTO %s (%s, %s) VALUES (%s, %s)%s",
			prefix, pivot, fk, rk, d.Placeholder(1), d.Placeholder(2), suffix)
		for _, k := range keys {
			if present[fmt.Sprint(k)] {
				continue
			}
			res, err := tx.ExecContext(ctx, insert, pid, k)
			if err != nil {
				return fmt.Errorf("attach %s %v: %w", rel.Name, k, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			created += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// Detach removes the pivot rows linking the parent to the related ids in a
// single transaction. It returns the number of pivot rows removed.
func (m *Manager) Detach(ctx context.Context, parentID any, relation string, ids []any) (int64, error) {
	rel, err := m.pivot(relation)
	if err != nil {
		return 0, err
	}
	pid, keys, err := m.keys(ctx, rel, parentID, ids)
	if err != nil {
		return 0, err
	}

	d := m.parent.Dialect()
	args := dialect.NewArgs(d)
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = %s AND %s IN (%s)",
		d.Quote(rel.PivotTable), d.Quote(rel.ForeignKey), args.Add(pid), d.Quote(rel.RelatedKey), args.List(keys))

	var removed int64
	err = m.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, stmt, args.Values()...)
		if err != nil {
			return fmt.Errorf("detach %s: %w", rel.Name, err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// existing returns the related keys already linked to pid, keyed by their
// printed form.
func existing(ctx context.Context, tx *sql.Tx, d dialect.Dialect, pivot, fk, rk string, pid any, keys []any) (map[string]bool, error) {
	args := dialect.NewArgs(d)
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s AND %s IN (%s)", rk, pivot, fk, args.Add(pid), rk, args.List(keys))
	rows, err := tx.QueryContext(ctx, q, args.Values()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		present[fmt.Sprint(v)] = true
	}
	return present, rows.Err()
}

// inTx runs fn in a transaction, rolling back when fn fails or ctx is
// cancelled before commit.
func (m *Manager) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Related lists the rows related to a parent record through any relation
// shape. The listing uses the target model's eligible fields, soft delete
// and pagination; the relation's list_fields narrow the columns.
func (m *Manager) Related(ctx context.Context, parentID any, relation string, req query.Request) (*query.Result, error) {
	rel, err := Lookup(m.parent.Schema(), relation)
	if err != nil {
		return nil, err
	}

	pid, err := m.parent.KeyValue(parentID)
	if err != nil {
		return nil, err
	}
	ok, err := m.parent.Exists(ctx, pid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &errs.RecordNotFoundError{Model: m.parent.Schema().Model, ID: parentID}
	}

	target, err := m.resolve(ctx, rel.Model)
	if err != nil {
		return nil, err
	}
	scope, err := m.scope(rel, target, pid)
	if err != nil {
		return nil, err
	}
	return query.New(target).Scope(scope).ListFields(rel.ListFields).Run(ctx, req)
}

func (m *Manager) scope(rel schema.Relationship, target *table.Accessor, pid any) (query.Scope, error) {
	d := target.Dialect()
	q := d.Quote
	pk := target.Column(query.Alias, target.PrimaryKey())

	switch rel.Type {
	case schema.HasMany:
		col := target.Column(query.Alias, rel.ForeignKey)
		return func(args *dialect.Args) string {
			return col + " = " + args.Add(pid)
		}, nil

	case schema.ManyToMany:
		return func(args *dialect.Args) string {
			return fmt.Sprintf("%s IN (SELECT p.%s FROM %s p WHERE p.%s = %s)",
				pk, q(rel.RelatedKey), q(rel.PivotTable), q(rel.ForeignKey), args.Add(pid))
		}, nil

	case schema.BelongsToManyThrough:
		return func(args *dialect.Args) string {
			var b strings.Builder
			fmt.Fprintf(&b, "%s IN (SELECT p2.%s FROM %s p2", pk, q(rel.RelatedKey), q(rel.SecondPivotTable))
			fmt.Fprintf(&b, " JOIN %s p1 ON p1.%s = p2.%s", q(rel.PivotTable), q(rel.ThroughKey), q(rel.SecondForeignKey))
			fmt.Fprintf(&b, " WHERE p1.%s = %s)", q(rel.ForeignKey), args.Add(pid))
			return b.String()
		}, nil
	}
	return nil, &errs.RelationshipConfigError{
		Model:    m.parent.Schema().Model,
		Relation: rel.Name,
		Reason:   fmt.Sprintf("unsupported type %q", rel.Type),
	}
}
