package dialect

import "testing"

func TestByName(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{"sqlite3", "sqlite", false},
		{"SQLite", "sqlite", false},
		{"pgx", "postgres", false},
		{"postgres", "postgres", false},
		{"mysql", "mysql", false},
		{"oracle", "", true},
	}
	for _, tt := range tests {
		d, err := ByName(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ByName(%q) error = %v", tt.in, err)
			continue
		}
		if err == nil && d.Name() != tt.want {
			t.Errorf("ByName(%q) = %s, want %s", tt.in, d.Name(), tt.want)
		}
	}
}

func TestQuote(t *testing.T) {
	tests := []struct {
		d    Dialect
		in   string
		want string
	}{
		{SQLite{}, "name", `"name"`},
		{SQLite{}, `we"ird`, `"we""ird"`},
		{Postgres{}, "name", `"name"`},
		{Postgres{}, `we"ird`, `"we""ird"`},
		{MySQL{}, "name", "`name`"},
		{MySQL{}, "we`ird", "`we``ird`"},
	}
	for _, tt := range tests {
		if got := tt.d.Quote(tt.in); got != tt.want {
			t.Errorf("%s.Quote(%q) = %s, want %s", tt.d.Name(), tt.in, got, tt.want)
		}
	}
}

func TestArgs(t *testing.T) {
	pg := NewArgs(Postgres{})
	if got := pg.Add(1); got != "$1" {
		t.Errorf("first placeholder = %s", got)
	}
	if got := pg.List([]any{2, 3}); got != "$2, $3" {
		t.Errorf("List = %s", got)
	}
	if pg.Len() != 3 || pg.Values()[2] != 3 {
		t.Errorf("Values = %v", pg.Values())
	}

	lite := NewArgs(SQLite{})
	if got := lite.List([]any{"a", "b"}); got != "?, ?" {
		t.Errorf("List = %s", got)
	}
}

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "%plain%"},
		{"50%", `%50\%%`},
		{"a_b", `%a\_b%`},
		{`c:\dir`, `%c:\\dir%`},
	}
	for _, tt := range tests {
		if got := Contains(tt.in); got != tt.want {
			t.Errorf("Contains(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
