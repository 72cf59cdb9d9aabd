package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"testing"

	"github.com/artpar/tablegate/core/dialect"
	"github.com/artpar/tablegate/core/errs"
	"github.com/artpar/tablegate/core/schema"
	"github.com/artpar/tablegate/core/table"
	"github.com/artpar/tablegate/core/table/tabletest"
)

const productsDoc = `{
  "model": "products",
  "soft_delete": true,
  "default_sort": ["name"],
  "fields": {
    "name":     {"type": "string", "sortable": true, "filterable": true, "listable": true, "searchable": true},
    "price":    {"type": "currency", "sortable": true, "filterable": true, "listable": true},
    "sku":      {"type": "string", "filterable": true},
    "stock":    {"type": "integer", "filterable": true},
    "internal": {"type": "string"},
    "note":     {"type": "virtual"}
  }
}`

const productsDDL = `CREATE TABLE products (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT,
  price INTEGER,
  sku TEXT,
  stock INTEGER,
  internal TEXT,
  created_at DATETIME,
  updated_at DATETIME,
  deleted_at DATETIME
)`

// seedProducts inserts n products named "product-01".. with price i*1.50.
func seedProducts(t *testing.T, n int) *table.Accessor {
	t.Helper()
	db := tabletest.Open(t)
	tabletest.Exec(t, db, productsDDL)
	s := tabletest.Compile(t, productsDoc)
	a := table.Configure(s, db, dialect.SQLite{}, nil)
	for i := 1; i <= n; i++ {
		tabletest.Exec(t, db, fmt.Sprintf(
			"INSERT INTO products (name, price, sku, internal) VALUES ('product-%02d', %d, 'SKU%d', 'secret')", i, i*150, i%3))
	}
	return a
}

func names(rows []table.Record) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i], _ = r["name"].(string)
	}
	return out
}

func TestRun_SortAndPaginate(t *testing.T) {
	a := seedProducts(t, 25)

	res, err := New(a).Run(context.Background(), Request{
		Sorts: []schema.SortKey{{Field: "name", Desc: true}},
		Page:  1,
		Size:  10,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Rows) != 10 {
		t.Fatalf("got %d rows, want 10", len(res.Rows))
	}
	if res.Count != 25 || res.CountFiltered != 25 {
		t.Errorf("count = %d, count_filtered = %d, want 25/25", res.Count, res.CountFiltered)
	}
	got := names(res.Rows)
	if got[0] != "product-25" || got[9] != "product-16" {
		t.Errorf("rows = %v", got)
	}
	for _, r := range res.Rows {
		if _, ok := r["internal"]; ok {
			t.Fatal("non-listable field returned")
		}
		if _, ok := r["id"]; !ok {
			t.Fatal("primary key missing from listed row")
		}
	}
	if res.Rows[0]["price"] != 37.5 {
		t.Errorf("price = %v, want 37.5", res.Rows[0]["price"])
	}
}

func TestRun_IgnoresUnknownFields(t *testing.T) {
	a := seedProducts(t, 12)
	ctx := context.Background()

	plain, err := New(a).Run(ctx, Request{Sorts: []schema.SortKey{{Field: "price", Desc: true}}, Size: 5})
	if err != nil {
		t.Fatal(err)
	}
	noisy, err := New(a).Run(ctx, Request{
		Sorts: []schema.SortKey{
			{Field: "price; DROP TABLE products", Desc: false},
			{Field: ""},
			{Field: "internal"},
			{Field: "price", Desc: true},
		},
		Filters: map[string]Filter{
			"internal":       {Value: "secret"},
			"note":           {Value: "x"},
			"1=1) OR (1":     {Value: "1"},
			"name":           {Value: ""},
			"does_not_exist": {Op: OpGt, Value: 3},
		},
		Size: 5,
	})
	if err != nil {
		t.Fatalf("Run with unknown fields failed: %v", err)
	}
	if fmt.Sprint(names(plain.Rows)) != fmt.Sprint(names(noisy.Rows)) {
		t.Errorf("unknown fields changed the result:\n%v\n%v", names(plain.Rows), names(noisy.Rows))
	}
	if noisy.CountFiltered != 12 {
		t.Errorf("count_filtered = %d, want 12", noisy.CountFiltered)
	}
}

func TestRun_PagesAreDisjointAndOrdered(t *testing.T) {
	a := seedProducts(t, 23)
	ctx := context.Background()

	var paged []any
	for page := 1; page <= 5; page++ {
		res, err := New(a).Run(ctx, Request{Sorts: []schema.SortKey{{Field: "price", Desc: true}}, Page: page, Size: 5})
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range res.Rows {
			paged = append(paged, r["id"])
		}
	}
	if len(paged) != 23 {
		t.Fatalf("pages returned %d rows in total, want 23", len(paged))
	}
	seen := make(map[any]bool)
	for i, id := range paged {
		if seen[id] {
			t.Fatalf("id %v appears on two pages", id)
		}
		seen[id] = true
		if want := int64(23 - i); id != want {
			t.Errorf("paged[%d] = %v, want %d", i, id, want)
		}
	}
}

func TestRun_DefaultSortWithTieBreak(t *testing.T) {
	db := tabletest.Open(t)
	tabletest.Exec(t, db, productsDDL,
		"INSERT INTO products (name, price) VALUES ('b', 1), ('a', 2), ('b', 3), ('a', 4)")
	a := table.Configure(tabletest.Compile(t, productsDoc), db, dialect.SQLite{}, nil)

	res, err := New(a).Run(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	var ids []any
	for _, r := range res.Rows {
		ids = append(ids, r["id"])
	}
	if fmt.Sprint(ids) != "[2 4 1 3]" {
		t.Errorf("ids = %v, want [2 4 1 3]", ids)
	}
}

func TestRun_SoftDeleted(t *testing.T) {
	a := seedProducts(t, 5)
	ctx := context.Background()
	if err := a.Delete(ctx, 2); err != nil {
		t.Fatal(err)
	}

	res, err := New(a).Run(ctx, Request{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 4 || len(res.Rows) != 4 {
		t.Errorf("count = %d rows = %d, want 4", res.Count, len(res.Rows))
	}
	for _, r := range res.Rows {
		if r["id"] == int64(2) {
			t.Error("soft-deleted row listed")
		}
	}

	res, err = New(a).Run(ctx, Request{WithTrashed: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 5 {
		t.Errorf("with trashed count = %d, want 5", res.Count)
	}
}

func TestRun_Filters(t *testing.T) {
	a := seedProducts(t, 10)

	tests := []struct {
		name    string
		filters map[string]Filter
		search  string
		want    int64
	}{
		{"textual defaults to like", map[string]Filter{"name": {Value: "-0"}}, "", 9},
		{"explicit eq", map[string]Filter{"name": {Op: OpEq, Value: "product-03"}}, "", 1},
		{"currency gte in major units", map[string]Filter{"price": {Op: OpGte, Value: "12.00"}}, "", 3},
		{"currency eq", map[string]Filter{"price": {Value: 4.5}}, "", 1},
		{"neq", map[string]Filter{"sku": {Op: OpNeq, Value: "SKU0"}}, "", 7},
		{"combined", map[string]Filter{"price": {Op: OpLte, Value: "6"}, "sku": {Op: OpEq, Value: "SKU1"}}, "", 2},
		{"search", nil, "product-1", 1},
		{"search wildcard is literal", nil, "%", 0},
		{"search underscore is literal", nil, "product_0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := New(a).Run(context.Background(), Request{Filters: tt.filters, Search: tt.search})
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if res.CountFiltered != tt.want || int64(len(res.Rows)) != tt.want {
				t.Errorf("count_filtered = %d rows = %d, want %d", res.CountFiltered, len(res.Rows), tt.want)
			}
			if res.Count != 10 {
				t.Errorf("count = %d, want 10", res.Count)
			}
		})
	}
}

func TestRun_BadFilterValue(t *testing.T) {
	a := seedProducts(t, 1)
	_, err := New(a).Run(context.Background(), Request{Filters: map[string]Filter{"stock": {Op: OpGt, Value: "many"}}})
	var invalid *errs.InvalidInputError
	if !errors.As(err, &invalid) {
		t.Errorf("error = %v, want InvalidInputError", err)
	}
}

func TestRequest_Offset(t *testing.T) {
	tests := []struct {
		name       string
		page, size int
		want       int
		err        bool
	}{
		{"no size", 5, 0, 0, false},
		{"first page", 1, 10, 0, false},
		{"page zero", 0, 10, 0, false},
		{"third page", 3, 10, 20, false},
		{"last representable", math.MaxInt/10 + 1, 10, math.MaxInt / 10 * 10, false},
		{"overflow", math.MaxInt/10 + 2, 10, 0, true},
		{"huge page", math.MaxInt, 2, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Request{Page: tt.page, Size: tt.size}.Offset()
			if (err != nil) != tt.err {
				t.Fatalf("Offset() error = %v, want error %v", err, tt.err)
			}
			if got != tt.want {
				t.Errorf("Offset() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRun_PageOutOfRange(t *testing.T) {
	a := seedProducts(t, 1)
	_, err := New(a).Run(context.Background(), Request{Page: math.MaxInt, Size: 50})
	var invalid *errs.InvalidInputError
	if !errors.As(err, &invalid) {
		t.Errorf("error = %v, want InvalidInputError", err)
	}
}

func TestRun_ScopeAndListFields(t *testing.T) {
	a := seedProducts(t, 9)

	res, err := New(a).
		Scope(func(args *dialect.Args) string { return Alias + ".sku = " + args.Add("SKU2") }).
		ListFields([]string{"name", "bogus"}).
		Run(context.Background(), Request{Filters: map[string]Filter{"price": {Op: OpGt, Value: 3}}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 3 || res.CountFiltered != 2 {
		t.Errorf("count = %d count_filtered = %d, want 3/2", res.Count, res.CountFiltered)
	}
	if fmt.Sprint(res.Listable) != "[name]" {
		t.Errorf("listable = %v", res.Listable)
	}
	for _, r := range res.Rows {
		if _, ok := r["price"]; ok {
			t.Error("price listed despite ListFields")
		}
	}
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		raw  string
		want Filter
	}{
		{"gte:10", Filter{Op: OpGte, Value: "10"}},
		{"LIKE:ab", Filter{Op: OpLike, Value: "ab"}},
		{"ada", Filter{Value: "ada"}},
		{"10:30", Filter{Value: "10:30"}},
		{"eq:a:b", Filter{Op: OpEq, Value: "a:b"}},
	}
	for _, tt := range tests {
		if got := ParseFilter(tt.raw); got != tt.want {
			t.Errorf("ParseFilter(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}

func TestParseRequest(t *testing.T) {
	v := url.Values{}
	v.Set("sort", "name:desc,-price, sku")
	v.Set("filters[name]", "ada")
	v.Set("filters[price]", "gte:10")
	v.Set("search", "  term ")
	v.Set("page", "2")
	v.Set("size", "10")
	v.Set("with_trashed", "true")

	req, err := ParseRequest(v)
	if err != nil {
		t.Fatalf("ParseRequest failed: %v", err)
	}
	if fmt.Sprint(req.Sorts) != "[name:desc price:desc sku:asc]" {
		t.Errorf("sorts = %v", req.Sorts)
	}
	if req.Filters["name"] != (Filter{Value: "ada"}) || req.Filters["price"] != (Filter{Op: OpGte, Value: "10"}) {
		t.Errorf("filters = %+v", req.Filters)
	}
	if req.Search != "term" || req.Page != 2 || req.Size != 10 || !req.WithTrashed {
		t.Errorf("request = %+v", req)
	}

	for _, bad := range []url.Values{
		{"page": {"x"}},
		{"size": {"-1"}},
		{"with_trashed": {"maybe"}},
		{"sort": {"name:sideways"}},
		{"page": {strconv.Itoa(math.MaxInt)}, "size": {"10"}},
	} {
		_, err := ParseRequest(bad)
		var invalid *errs.InvalidInputError
		if !errors.As(err, &invalid) {
			t.Errorf("ParseRequest(%v) error = %v, want InvalidInputError", bad, err)
		}
	}
}
