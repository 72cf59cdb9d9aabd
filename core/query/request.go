package query

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/artpar/tablegate/core/errs"
	"github.com/artpar/tablegate/core/schema"
)

// Operator compares a column with a filter value.
type Operator string

const (
	OpEq   Operator = "eq"
	OpNeq  Operator = "neq"
	OpGt   Operator = "gt"
	OpGte  Operator = "gte"
	OpLt   Operator = "lt"
	OpLte  Operator = "lte"
	OpLike Operator = "like"
)

var operatorSQL = map[Operator]string{
	OpEq:  "=",
	OpNeq: "<>",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

// Filter is one condition on a field. An empty Op picks a default from the
// field type: like for textual fields, eq otherwise.
type Filter struct {
	Op    Operator
	Value any
}

// ParseFilter reads "op:value" (for example "gte:10"). A prefix that is not
// an operator is treated as part of the value.
func ParseFilter(raw string) Filter {
	if op, value, ok := strings.Cut(raw, ":"); ok {
		o := Operator(strings.ToLower(op))
		if _, known := operatorSQL[o]; known || o == OpLike {
			return Filter{Op: o, Value: value}
		}
	}
	return Filter{Value: raw}
}

// Request is a caller's listing request. Field names are untrusted.
type Request struct {
	Sorts       []schema.SortKey
	Filters     map[string]Filter
	Search      string
	Page        int
	Size        int
	WithTrashed bool
}

// ParseRequest reads a listing request from URL query parameters:
//
//	sort=name:desc,price  filters[name]=ada  filters[price]=gte:10
//	search=term  page=2  size=10  with_trashed=true
func ParseRequest(values url.Values) (Request, error) {
	req := Request{Filters: make(map[string]Filter)}

	for _, raw := range values["sort"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			key, err := schema.ParseSortKey(part)
			if err != nil {
				return Request{}, &errs.InvalidInputError{Field: "sort", Reason: err.Error()}
			}
			req.Sorts = append(req.Sorts, key)
		}
	}

	for key, vals := range values {
		if !strings.HasPrefix(key, "filters[") || !strings.HasSuffix(key, "]") || len(vals) == 0 {
			continue
		}
		name := key[len("filters[") : len(key)-1]
		req.Filters[name] = ParseFilter(vals[0])
	}

	req.Search = strings.TrimSpace(values.Get("search"))

	var err error
	if req.Page, err = intParam(values, "page"); err != nil {
		return Request{}, err
	}
	if req.Size, err = intParam(values, "size"); err != nil {
		return Request{}, err
	}
	if _, err := req.Offset(); err != nil {
		return Request{}, err
	}
	if v := values.Get("with_trashed"); v != "" {
		req.WithTrashed, err = strconv.ParseBool(v)
		if err != nil {
			return Request{}, &errs.InvalidInputError{Field: "with_trashed", Reason: "must be a boolean"}
		}
	}
	return req, nil
}

// Offset returns the row offset of the requested page. Pages before the
// first are treated as the first. An offset that does not fit in an int is
// InvalidInput.
func (r Request) Offset() (int, error) {
	if r.Size <= 0 || r.Page <= 1 {
		return 0, nil
	}
	if r.Page-1 > math.MaxInt/r.Size {
		return 0, &errs.InvalidInputError{Field: "page", Reason: fmt.Sprintf("page %d of size %d is out of range", r.Page, r.Size)}
	}
	return (r.Page - 1) * r.Size, nil
}

func intParam(values url.Values, name string) (int, error) {
	raw := values.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &errs.InvalidInputError{Field: name, Reason: fmt.Sprintf("must be a non-negative integer, got %q", raw)}
	}
	return n, nil
}
