// Package dialect hides the SQL differences between the supported databases.
// Identifiers passed to a Dialect must already be validated against a
// schema; quoting is a second line of defence, not the first.
package dialect

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// Dialect renders the database-specific fragments of a statement.
type Dialect interface {
	// Name is the dialect name ("sqlite", "postgres", "mysql").
	Name() string

	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string

	// Quote quotes an identifier.
	Quote(ident string) string

	// InsertIgnore returns the statement prefix and suffix that turn an
	// INSERT into a no-op when a unique key already exists.
	InsertIgnore() (prefix, suffix string)

	// Like is the case-insensitive pattern match operator.
	Like() string

	// LikeEscape is appended after a LIKE pattern built with EscapeLike.
	LikeEscape() string

	// Returning reports whether INSERT ... RETURNING is used to obtain
	// generated keys instead of LastInsertId.
	Returning() bool
}

// ByName returns the dialect for a name or database/sql driver name.
func ByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	case "postgres", "postgresql", "pgx":
		return Postgres{}, nil
	case "mysql", "mariadb":
		return MySQL{}, nil
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", name)
	}
}

// SQLite is the dialect of mattn/go-sqlite3.
type SQLite struct{}

func (SQLite) Name() string                   { return "sqlite" }
func (SQLite) Placeholder(int) string         { return "?" }
func (SQLite) Quote(ident string) string      { return quoteWith(ident, '"') }
func (SQLite) InsertIgnore() (string, string) { return "INSERT OR IGNORE", "" }
func (SQLite) Like() string                   { return "LIKE" }
func (SQLite) LikeEscape() string             { return ` ESCAPE '\'` }
func (SQLite) Returning() bool                { return false }

// Postgres is the dialect of lib/pq and pgx.
type Postgres struct{}

func (Postgres) Name() string                   { return "postgres" }
func (Postgres) Placeholder(n int) string       { return "$" + strconv.Itoa(n) }
func (Postgres) Quote(ident string) string      { return pq.QuoteIdentifier(ident) }
func (Postgres) InsertIgnore() (string, string) { return "INSERT", " ON CONFLICT DO NOTHING" }
func (Postgres) Like() string                   { return "ILIKE" }
func (Postgres) LikeEscape() string             { return "" }
func (Postgres) Returning() bool                { return true }

// MySQL is the dialect of go-sql-driver/mysql.
type MySQL struct{}

func (MySQL) Name() string                   { return "mysql" }
func (MySQL) Placeholder(int) string         { return "?" }
func (MySQL) Quote(ident string) string      { return quoteWith(ident, '`') }
func (MySQL) InsertIgnore() (string, string) { return "INSERT IGNORE", "" }
func (MySQL) Like() string                   { return "LIKE" }
func (MySQL) LikeEscape() string             { return "" }
func (MySQL) Returning() bool                { return false }

func quoteWith(ident string, q byte) string {
	s := string(q)
	return s + strings.ReplaceAll(ident, s, s+s) + s
}

// EscapeLike escapes the LIKE wildcards in a literal search term.
// Backslash is the escape character in every dialect.
func EscapeLike(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(term)
}

// Contains returns a LIKE pattern matching term anywhere in a value.
func Contains(term string) string {
	return "%" + EscapeLike(term) + "%"
}

// Args collects bind arguments and hands out matching placeholders.
type Args struct {
	d    Dialect
	vals []any
}

// NewArgs starts an empty argument list for d.
func NewArgs(d Dialect) *Args {
	return &Args{d: d}
}

// Add appends v and returns its placeholder.
func (a *Args) Add(v any) string {
	a.vals = append(a.vals, v)
	return a.d.Placeholder(len(a.vals))
}

// List appends every value and returns a comma separated placeholder list.
func (a *Args) List(vs []any) string {
	marks := make([]string, len(vs))
	for i, v := range vs {
		marks[i] = a.Add(v)
	}
	return strings.Join(marks, ", ")
}

// Values returns the collected arguments.
func (a *Args) Values() []any {
	return a.vals
}

// Len returns the number of collected arguments.
func (a *Args) Len() int {
	return len(a.vals)
}
