package cacheindex

import "testing"

func TestDialectBind(t *testing.T) {
	query := "SELECT a FROM t WHERE x = ? AND y = ?"
	if got := sqliteDialect.bind(query); got != query {
		t.Fatalf("sqlite bind changed query: %q", got)
	}
	want := "SELECT a FROM t WHERE x = $1 AND y = $2"
	if got := postgresDialect.bind(query); got != want {
		t.Fatalf("postgres bind = %q, want %q", got, want)
	}
}

func TestLoadMigrationsSorted(t *testing.T) {
	for _, d := range []dialect{sqliteDialect, postgresDialect} {
		migrations, err := loadMigrations(d.migrations)
		if err != nil {
			t.Fatalf("%s: %v", d.name, err)
		}
		if len(migrations) < 2 {
			t.Fatalf("%s: expected migrations, got %d", d.name, len(migrations))
		}
		for i := 1; i < len(migrations); i++ {
			if migrations[i-1].version >= migrations[i].version {
				t.Fatalf("%s: migrations out of order: %s, %s", d.name, migrations[i-1].version, migrations[i].version)
			}
		}
	}
}
