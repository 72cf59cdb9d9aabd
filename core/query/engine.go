// Package query is the generic listing engine: sort, filter, search and
// paginate over a schema-configured table.
//
// Every field name a caller supplies is checked against the schema's
// eligible set for its purpose and dropped when it is not there. Only
// names that come from the schema ever reach the SQL text.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/artpar/tablegate/core/dialect"
	"github.com/artpar/tablegate/core/errs"
	"github.com/artpar/tablegate/core/fieldtype"
	"github.com/artpar/tablegate/core/schema"
	"github.com/artpar/tablegate/core/table"
)

// Alias is the table alias used for the listed table in every statement.
const Alias = "t"

// Scope adds a fixed condition to the base row set. It returns a SQL
// predicate over Alias and binds its values through args.
type Scope func(args *dialect.Args) string

// Result is one page of a listing.
type Result struct {
	Rows          []table.Record `json:"rows"`
	Count         int64          `json:"count"`
	CountFiltered int64          `json:"count_filtered"`
	Sortable      []string       `json:"sortable"`
	Filterable    []string       `json:"filterable"`
	Listable      []string       `json:"listable"`
}

// Engine lists one table. Build one per operation; it is not safe to share.
type Engine struct {
	accessor *table.Accessor

	sortable   []string
	filterable []string
	listable   []string
	searchable []string

	scopes []Scope
}

// New builds an engine over a configured accessor.
func New(a *table.Accessor) *Engine {
	s := a.Schema()
	e := &Engine{accessor: a}
	e.sortable = e.persisted(s.SortableFields())
	e.filterable = e.persisted(s.FilterableFields())
	e.listable = e.persisted(s.ListableFields())
	e.searchable = e.persisted(s.SearchableFields())
	return e
}

// persisted keeps the names that are non-blank columns of the table.
func (e *Engine) persisted(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		if _, ok := e.accessor.Field(n); ok {
			out = append(out, n)
		}
	}
	return out
}

// Scope restricts the base row set.
func (e *Engine) Scope(s Scope) *Engine {
	e.scopes = append(e.scopes, s)
	return e
}

// ListFields narrows the listed columns to names, which must be listable
// or otherwise persisted fields. Unknown names are ignored.
func (e *Engine) ListFields(names []string) *Engine {
	if len(names) == 0 {
		return e
	}
	e.listable = e.persisted(names)
	return e
}

// Accessor returns the accessor the engine lists through.
func (e *Engine) Accessor() *table.Accessor {
	return e.accessor
}

// Run executes a listing request.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	a := e.accessor
	offset, err := req.Offset()
	if err != nil {
		return nil, err
	}

	baseArgs := dialect.NewArgs(a.Dialect())
	base := e.baseConditions(baseArgs, req.WithTrashed)
	count, err := e.count(ctx, base, baseArgs)
	if err != nil {
		return nil, err
	}

	filterArgs := dialect.NewArgs(a.Dialect())
	conds := e.baseConditions(filterArgs, req.WithTrashed)
	filters, err := e.filterConditions(filterArgs, req)
	if err != nil {
		return nil, err
	}
	conds = append(conds, filters...)

	countFiltered := count
	if len(filters) > 0 {
		countFiltered, err = e.count(ctx, conds, filterArgs)
		if err != nil {
			return nil, err
		}
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(e.selectList())
	sb.WriteString(e.from())
	sb.WriteString(where(conds))
	sb.WriteString(" ORDER BY ")
	sb.WriteString(e.orderBy(req.Sorts))

	if req.Size > 0 {
		fmt.Fprintf(&sb, " LIMIT %s OFFSET %s", filterArgs.Add(req.Size), filterArgs.Add(offset))
	}

	rows, err := a.DB().QueryContext(ctx, sb.String(), filterArgs.Values()...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", a.Schema().Model, err)
	}
	records, err := a.Scan(rows)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", a.Schema().Model, err)
	}

	return &Result{
		Rows:          records,
		Count:         count,
		CountFiltered: countFiltered,
		Sortable:      append([]string{}, e.sortable...),
		Filterable:    append([]string{}, e.filterable...),
		Listable:      append([]string{}, e.listable...),
	}, nil
}

func (e *Engine) from() string {
	return " FROM " + e.accessor.QuotedTable() + " " + Alias
}

func where(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func (e *Engine) baseConditions(args *dialect.Args, withTrashed bool) []string {
	var conds []string
	for _, s := range e.scopes {
		if c := s(args); c != "" {
			conds = append(conds, c)
		}
	}
	if !withTrashed {
		if nd := e.accessor.NotDeleted(Alias); nd != "" {
			conds = append(conds, nd)
		}
	}
	return conds
}

func (e *Engine) count(ctx context.Context, conds []string, args *dialect.Args) (int64, error) {
	a := e.accessor
	query := "SELECT COUNT(*)" + e.from() + where(conds)
	var n int64
	if err := a.DB().QueryRowContext(ctx, query, args.Values()...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", a.Schema().Model, err)
	}
	return n, nil
}

// selectList is the primary key followed by the listed fields. When the
// schema marks nothing listable every column is returned.
func (e *Engine) selectList() string {
	a := e.accessor
	if len(e.listable) == 0 {
		return a.SelectList(Alias)
	}
	cols := []string{a.Column(Alias, a.PrimaryKey())}
	for _, n := range e.listable {
		if n != a.PrimaryKey() {
			cols = append(cols, a.Column(Alias, n))
		}
	}
	return strings.Join(cols, ", ")
}

func contains(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}

// orderBy admits sortable keys, falls back to the schema's default sort and
// always ends with the primary key so pages are stable.
func (e *Engine) orderBy(sorts []schema.SortKey) string {
	a := e.accessor
	var keys []schema.SortKey
	seen := make(map[string]bool)
	for _, k := range sorts {
		if !contains(e.sortable, k.Field) || seen[k.Field] {
			continue
		}
		seen[k.Field] = true
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		for _, k := range a.Schema().DefaultSort {
			if _, ok := a.Field(k.Field); ok && !seen[k.Field] {
				seen[k.Field] = true
				keys = append(keys, k)
			}
		}
	}
	if !seen[a.PrimaryKey()] {
		keys = append(keys, schema.SortKey{Field: a.PrimaryKey()})
	}

	parts := make([]string, len(keys))
	for i, k := range keys {
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts[i] = a.Column(Alias, k.Field) + " " + dir
	}
	return strings.Join(parts, ", ")
}

func (e *Engine) filterConditions(args *dialect.Args, req Request) ([]string, error) {
	a := e.accessor
	d := a.Dialect()
	var conds []string

	// filterable order keeps the SQL text and argument order deterministic
	for _, name := range e.filterable {
		f, ok := req.Filters[name]
		if !ok || isBlank(f.Value) {
			continue
		}
		field, _ := a.Field(name)
		h := field.Handler()

		op := f.Op
		if op == "" {
			op = OpEq
			if h != nil && fieldtype.IsTextual(h) {
				op = OpLike
			}
		}

		col := a.Column(Alias, name)
		if op == OpLike {
			conds = append(conds, col+" "+d.Like()+" "+args.Add(dialect.Contains(fmt.Sprint(f.Value)))+d.LikeEscape())
			continue
		}

		sqlOp, ok := operatorSQL[op]
		if !ok {
			return nil, &errs.InvalidInputError{Field: name, Reason: fmt.Sprintf("unknown filter operator %q", op)}
		}
		value := f.Value
		if h != nil {
			v, err := h.Transform(f.Value)
			if errors.Is(err, fieldtype.ErrOmit) {
				continue
			}
			if err != nil {
				return nil, &errs.InvalidInputError{Field: name, Reason: err.Error()}
			}
			value = v
		}
		conds = append(conds, col+" "+sqlOp+" "+args.Add(value))
	}

	if term := strings.TrimSpace(req.Search); term != "" && len(e.searchable) > 0 {
		pattern := dialect.Contains(term)
		ors := make([]string, len(e.searchable))
		for i, name := range e.searchable {
			ors[i] = a.Column(Alias, name) + " " + d.Like() + " " + args.Add(pattern) + d.LikeEscape()
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}
	return conds, nil
}

func isBlank(v any) bool {
	switch s := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(s) == ""
	default:
		return false
	}
}
