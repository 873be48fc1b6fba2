// Package deps loads the foreign-key dependency metadata the population
// scheduler uses to find a table's parents.
package deps

import (
	"context"
	"sort"
	"sync"

	"github.com/keyfill/keyfill/internal/heading"
)

// Ref identifies one stored table.
type Ref struct {
	Database string
	Table    string
}

// String returns the qualified identity.
func (r Ref) String() string {
	db := r.Database
	if db == "" {
		db = "main"
	}
	return "`" + db + "`.`" + r.Table + "`"
}

// foreignKey is one declared foreign key of a child table.
type foreignKey struct {
	id       int
	parent   Ref
	fromCols []string
}

// tableDeps is the cached dependency neighborhood of one table.
type tableDeps struct {
	fks        []foreignKey
	primaryKey map[string]bool
}

// Graph caches foreign-key metadata per table. Safe for use from one
// session; loading is idempotent.
type Graph struct {
	q  heading.Queryer
	mu sync.Mutex

	tables map[Ref]*tableDeps
}

// New creates an empty dependency graph over the given session.
func New(q heading.Queryer) *Graph {
	return &Graph{q: q, tables: make(map[Ref]*tableDeps)}
}

// Load ensures the foreign-key metadata for the table is available.
func (g *Graph) Load(ctx context.Context, ref Ref) error {
	if ref.Database == "" {
		ref.Database = "main"
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tables[ref]; ok {
		return nil
	}
	deps, err := g.introspect(ctx, ref)
	if err != nil {
		return err
	}
	g.tables[ref] = deps
	return nil
}

// ParentsOf returns the table's parents in declaration order. With
// primaryOnly set, only parents whose referencing columns all belong to
// the table's own primary key are returned.
func (g *Graph) ParentsOf(ctx context.Context, ref Ref, primaryOnly bool) ([]Ref, error) {
	if ref.Database == "" {
		ref.Database = "main"
	}
	if err := g.Load(ctx, ref); err != nil {
		return nil, err
	}
	g.mu.Lock()
	deps := g.tables[ref]
	g.mu.Unlock()

	var parents []Ref
	seen := make(map[Ref]bool)
	for _, fk := range deps.fks {
		if primaryOnly && !allInPrimaryKey(fk.fromCols, deps.primaryKey) {
			continue
		}
		if seen[fk.parent] {
			continue
		}
		seen[fk.parent] = true
		parents = append(parents, fk.parent)
	}
	return parents, nil
}

func allInPrimaryKey(cols []string, pk map[string]bool) bool {
	for _, c := range cols {
		if !pk[c] {
			return false
		}
	}
	return len(cols) > 0
}

// introspect reads the table's primary key and foreign keys from the
// backing store.
func (g *Graph) introspect(ctx context.Context, ref Ref) (*tableDeps, error) {
	deps := &tableDeps{primaryKey: make(map[string]bool)}

	rows, err := g.q.QueryContext(ctx,
		"SELECT name, pk FROM pragma_table_info(?, ?)", ref.Table, ref.Database)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var name string
		var pk int
		if err := rows.Scan(&name, &pk); err != nil {
			rows.Close()
			return nil, err
		}
		if pk > 0 {
			deps.primaryKey[name] = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = g.q.QueryContext(ctx,
		"SELECT id, `table`, `from` FROM pragma_foreign_key_list(?, ?)", ref.Table, ref.Database)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int]*foreignKey)
	for rows.Next() {
		var id int
		var parent, from string
		if err := rows.Scan(&id, &parent, &from); err != nil {
			return nil, err
		}
		fk, ok := byID[id]
		if !ok {
			// foreign keys reference tables in the same schema
			fk = &foreignKey{id: id, parent: Ref{Database: ref.Database, Table: parent}}
			byID[id] = fk
		}
		fk.fromCols = append(fk.fromCols, from)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, fk := range byID {
		deps.fks = append(deps.fks, *fk)
	}
	// the store reports foreign keys in reverse declaration order; keep
	// declaration order for determinism
	sort.Slice(deps.fks, func(i, j int) bool { return deps.fks[i].id > deps.fks[j].id })
	return deps, nil
}
