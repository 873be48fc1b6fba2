// Package relation provides schema-bearing, queryable relations over the
// backing store: named stored tables and values derived from them by
// restriction, projection, natural join, and key difference. Relations
// are values; deriving never mutates the source.
package relation

import (
	"context"
	"fmt"
	"strings"

	"github.com/keyfill/keyfill/internal/blob"
	"github.com/keyfill/keyfill/internal/conn"
	kferr "github.com/keyfill/keyfill/internal/errors"
	"github.com/keyfill/keyfill/internal/heading"
)

// Relation is a queryable relation: it has a heading, can test key
// membership, and can enumerate its keys lazily.
type Relation struct {
	conn *conn.Connection

	// set for stored tables
	database string
	table    string

	// compiled source for derived relations; empty for stored tables
	src     string
	srcArgs []interface{}

	h            *heading.Heading // cached for stored tables, fixed for derived
	restrictions []Restriction

	blobs         *blob.Store
	blobThreshold int
}

// Table references a stored table. The heading is introspected lazily on
// first use and cached for the relation's lifetime.
func Table(c *conn.Connection, database, table string) *Relation {
	if database == "" {
		database = "main"
	}
	return &Relation{conn: c, database: database, table: table}
}

// WithBlobStore returns a copy that externalizes blob values larger than
// threshold bytes through the given store on insert.
func (r *Relation) WithBlobStore(store *blob.Store, threshold int) *Relation {
	cp := *r
	cp.blobs = store
	cp.blobThreshold = threshold
	return &cp
}

// Database returns the schema name of a stored table relation.
func (r *Relation) Database() string { return r.database }

// TableName returns the table name of a stored table relation.
func (r *Relation) TableName() string { return r.table }

// FullName returns the qualified identity of a stored table relation.
func (r *Relation) FullName() string {
	return fmt.Sprintf("`%s`.`%s`", r.database, r.table)
}

// Connection returns the connection this relation queries through.
func (r *Relation) Connection() *conn.Connection { return r.conn }

// Heading returns the relation's heading, introspecting stored tables on
// first call.
func (r *Relation) Heading(ctx context.Context) (*heading.Heading, error) {
	if r.h != nil {
		return r.h, nil
	}
	h, err := heading.Introspect(ctx, r.conn, r.database, r.table)
	if err != nil {
		return nil, err
	}
	r.h = h
	return h, nil
}

// Restrict returns a copy restricted by the given conditions.
func (r *Relation) Restrict(rs ...Restriction) *Relation {
	cp := *r
	cp.restrictions = append(append([]Restriction(nil), r.restrictions...), rs...)
	return &cp
}

// Proj returns the primary-key projection of the relation.
func (r *Relation) Proj(ctx context.Context) (*Relation, error) {
	h, err := r.Heading(ctx)
	if err != nil {
		return nil, err
	}
	return r.Project(ctx, h.PrimaryKey(), nil, nil)
}

// Project derives a relation with a projected heading. The projection is
// materialized as a subquery, so the derived heading carries no
// expressions.
func (r *Relation) Project(ctx context.Context, keep []string, computed []heading.Computed, forcedKey []string) (*Relation, error) {
	h, err := r.Heading(ctx)
	if err != nil {
		return nil, err
	}
	ph, err := h.Project(keep, computed, forcedKey)
	if err != nil {
		return nil, err
	}
	sel, args, err := r.selectSQL(ctx, ph.AsSQL())
	if err != nil {
		return nil, err
	}
	return &Relation{
		conn:    r.conn,
		src:     "(" + sel + ")",
		srcArgs: args,
		h:       ph.StripExpressions(),
	}, nil
}

// NaturalJoin derives the natural join of two relations: tuples matching
// on all shared attribute names, with the left heading's descriptors
// winning for those names.
func (r *Relation) NaturalJoin(ctx context.Context, other *Relation) (*Relation, error) {
	lh, err := r.Heading(ctx)
	if err != nil {
		return nil, err
	}
	rh, err := other.Heading(ctx)
	if err != nil {
		return nil, err
	}
	lsel, largs, err := r.selectSQL(ctx, lh.AsSQL())
	if err != nil {
		return nil, err
	}
	rsel, rargs, err := other.selectSQL(ctx, rh.AsSQL())
	if err != nil {
		return nil, err
	}
	// The join is wrapped so the outer alias covers columns from both
	// operands.
	jh := lh.StripExpressions().Join(rh.StripExpressions())
	return &Relation{
		conn:    r.conn,
		src:     "(SELECT " + jh.AsSQL() + " FROM (" + lsel + ") NATURAL JOIN (" + rsel + "))",
		srcArgs: append(append([]interface{}(nil), largs...), rargs...),
		h:       jh,
	}, nil
}

// Diff derives the antijoin: tuples of r whose primary-key values do not
// appear in other's primary-key projection.
func (r *Relation) Diff(ctx context.Context, other *Relation) (*Relation, error) {
	h, err := r.Heading(ctx)
	if err != nil {
		return nil, err
	}
	oh, err := other.Heading(ctx)
	if err != nil {
		return nil, err
	}
	var shared []string
	for _, name := range h.PrimaryKey() {
		if _, ok := oh.Get(name); ok {
			shared = append(shared, name)
		}
	}
	return r.Restrict(&antijoin{other: other, on: shared}), nil
}

// Keys returns a cursor over the relation's primary-key values.
func (r *Relation) Keys(ctx context.Context) (*KeyCursor, error) {
	h, err := r.Heading(ctx)
	if err != nil {
		return nil, err
	}
	pk := h.PrimaryKey()
	if len(pk) == 0 {
		return nil, kferr.New(kferr.ErrCategoryRelation, kferr.CodeInvalidKeySource,
			"relation has no primary key to enumerate")
	}
	cols := make([]string, len(pk))
	for i, name := range pk {
		cols[i] = quote(name)
	}
	sel, args, err := r.selectSQL(ctx, strings.Join(cols, ","))
	if err != nil {
		return nil, err
	}
	rows, err := r.conn.QueryContext(ctx, sel, args...)
	if err != nil {
		return nil, err
	}
	return &KeyCursor{rows: rows, names: pk}, nil
}

// FetchKeys materializes all keys into a slice, in enumeration order.
func (r *Relation) FetchKeys(ctx context.Context) ([]heading.Key, error) {
	cur, err := r.Keys(ctx)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var keys []heading.Key
	for cur.Next() {
		keys = append(keys, cur.Key())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Contains tests key membership in the relation's current extension.
func (r *Relation) Contains(ctx context.Context, key heading.Key) (bool, error) {
	restricted := r.Restrict(Cond(key))
	sel, args, err := restricted.selectSQL(ctx, "1")
	if err != nil {
		return false, err
	}
	rows, err := r.conn.QueryContext(ctx, sel+" LIMIT 1", args...)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

// Count returns the relation's cardinality.
func (r *Relation) Count(ctx context.Context) (int, error) {
	sel, args, err := r.selectSQL(ctx, "COUNT(*)")
	if err != nil {
		return 0, err
	}
	rows, err := r.conn.QueryContext(ctx, sel, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}

// Insert writes rows into a stored table relation. Row values are taken
// for the attributes present in both the row and the heading, in heading
// order. Blob values above the configured threshold are externalized
// when a blob store is attached.
func (r *Relation) Insert(ctx context.Context, rows ...map[string]interface{}) error {
	if r.table == "" {
		return kferr.New(kferr.ErrCategoryRelation, kferr.CodeInsertFailed,
			"cannot insert into a derived relation")
	}
	h, err := r.Heading(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		var cols []string
		var holders []string
		var args []interface{}
		for _, name := range h.Names() {
			v, ok := row[name]
			if !ok {
				continue
			}
			if a, _ := h.Get(name); a.IsBlob && r.blobs != nil {
				if raw, isBytes := v.([]byte); isBytes && len(raw) > r.blobThreshold {
					ref, err := r.blobs.Put(ctx, raw)
					if err != nil {
						return err
					}
					v = ref
				}
			}
			cols = append(cols, quote(name))
			holders = append(holders, "?")
			args = append(args, v)
		}
		if len(cols) == 0 {
			continue
		}
		stmt := "INSERT INTO " + r.FullName() +
			" (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(holders, ", ") + ")"
		if _, err := r.conn.ExecContext(ctx, stmt, args...); err != nil {
			return kferr.Wrap(kferr.ErrCategoryRelation, kferr.CodeInsertFailed,
				"inserting into "+r.FullName(), err)
		}
	}
	return nil
}

// selectSQL compiles the relation to a SELECT statement with the given
// select list over the aliased source.
func (r *Relation) selectSQL(ctx context.Context, selectList string) (string, []interface{}, error) {
	h, err := r.Heading(ctx)
	if err != nil {
		return "", nil, err
	}
	from := r.src
	args := append([]interface{}(nil), r.srcArgs...)
	if from == "" {
		from = r.FullName()
	}
	sql := "SELECT " + selectList + " FROM " + from + " AS _s"
	var clauses []string
	for _, restr := range r.restrictions {
		clause, cargs, err := restr.clause(ctx, h)
		if err != nil {
			return "", nil, err
		}
		if clause == "" {
			continue
		}
		clauses = append(clauses, clause)
		args = append(args, cargs...)
	}
	if len(clauses) > 0 {
		sql += " WHERE " + strings.Join(clauses, " AND ")
	}
	return sql, args, nil
}

func quote(name string) string {
	return "`" + name + "`"
}
