package deps

import (
	"context"
	"database/sql"
	"reflect"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func setupFanIn(t *testing.T, db *sql.DB) {
	t.Helper()
	stmts := []string{
		"CREATE TABLE p (subject_id int NOT NULL, PRIMARY KEY (subject_id))",
		"CREATE TABLE q (subject_id int NOT NULL, PRIMARY KEY (subject_id))",
		`CREATE TABLE child (
			subject_id int NOT NULL,
			note varchar(64),
			PRIMARY KEY (subject_id),
			FOREIGN KEY (subject_id) REFERENCES p (subject_id),
			FOREIGN KEY (subject_id) REFERENCES q (subject_id)
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
}

func TestParentsOf_DeclarationOrder(t *testing.T) {
	db := openTestDB(t)
	setupFanIn(t, db)
	g := New(db)

	parents, err := g.ParentsOf(context.Background(), Ref{Table: "child"}, true)
	if err != nil {
		t.Fatalf("ParentsOf: %v", err)
	}
	want := []Ref{{Database: "main", Table: "p"}, {Database: "main", Table: "q"}}
	if !reflect.DeepEqual(parents, want) {
		t.Errorf("ParentsOf = %v, want %v", parents, want)
	}
}

func TestParentsOf_PrimaryOnlyFiltersDependentFKs(t *testing.T) {
	db := openTestDB(t)
	stmts := []string{
		"CREATE TABLE subject (subject_id int NOT NULL, PRIMARY KEY (subject_id))",
		"CREATE TABLE rig (rig_id int NOT NULL, PRIMARY KEY (rig_id))",
		`CREATE TABLE session (
			subject_id int NOT NULL,
			rig_id int NOT NULL,
			PRIMARY KEY (subject_id),
			FOREIGN KEY (subject_id) REFERENCES subject (subject_id),
			FOREIGN KEY (rig_id) REFERENCES rig (rig_id)
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	g := New(db)
	ctx := context.Background()

	primary, err := g.ParentsOf(ctx, Ref{Table: "session"}, true)
	if err != nil {
		t.Fatalf("ParentsOf: %v", err)
	}
	if len(primary) != 1 || primary[0].Table != "subject" {
		t.Errorf("primary parents = %v, want [subject]", primary)
	}

	all, err := g.ParentsOf(ctx, Ref{Table: "session"}, false)
	if err != nil {
		t.Fatalf("ParentsOf: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all parents = %v, want both subject and rig", all)
	}
}

func TestParentsOf_NoForeignKeys(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec("CREATE TABLE lone (id int NOT NULL, PRIMARY KEY (id))"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	g := New(db)
	parents, err := g.ParentsOf(context.Background(), Ref{Table: "lone"}, true)
	if err != nil {
		t.Fatalf("ParentsOf: %v", err)
	}
	if len(parents) != 0 {
		t.Errorf("parents = %v, want none", parents)
	}
}

func TestLoad_Caches(t *testing.T) {
	db := openTestDB(t)
	setupFanIn(t, db)
	g := New(db)
	ctx := context.Background()

	if err := g.Load(ctx, Ref{Table: "child"}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	// a second load after dropping the table must hit the cache
	if _, err := db.Exec("DROP TABLE child"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if err := g.Load(ctx, Ref{Table: "child"}); err != nil {
		t.Errorf("cached Load should not re-introspect: %v", err)
	}
	parents, err := g.ParentsOf(ctx, Ref{Table: "child"}, true)
	if err != nil || len(parents) != 2 {
		t.Errorf("cached ParentsOf = (%v, %v), want two parents", parents, err)
	}
}

func TestRefString(t *testing.T) {
	if got, want := (Ref{Table: "t"}).String(), "`main`.`t`"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := (Ref{Database: "lab", Table: "t"}).String(), "`lab`.`t`"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
