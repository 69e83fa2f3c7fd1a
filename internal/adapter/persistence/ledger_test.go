package persistence

import (
	"strings"
	"testing"
)

func TestRebindPostgres(t *testing.T) {
	s := &Store{dialect: DialectPostgres}
	got := s.rebind("INSERT INTO t (a, b, c) VALUES (?, ?, ?)")
	want := "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)"
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
}

func TestRebindSQLiteKeepsPlaceholders(t *testing.T) {
	s := &Store{dialect: DialectSQLite}
	q := "UPDATE t SET a = ? WHERE b = ?"
	if got := s.rebind(q); got != q {
		t.Fatalf("rebind = %q, want unchanged", got)
	}
}

func TestSchemaIsPortable(t *testing.T) {
	// Both supported drivers must accept the schema as written: no
	// serial/autoincrement, no dialect-only column types.
	for _, stmt := range SchemaStatements {
		for _, forbidden := range []string{"SERIAL", "AUTOINCREMENT", "TIMESTAMPTZ", "JSONB"} {
			if strings.Contains(strings.ToUpper(stmt), forbidden) {
				t.Fatalf("schema statement uses dialect-specific %s:\n%s", forbidden, stmt)
			}
		}
	}
	if len(SchemaStatements) < 3 {
		t.Fatalf("expected attributions, limits, and settings tables, got %d statements", len(SchemaStatements))
	}
}
