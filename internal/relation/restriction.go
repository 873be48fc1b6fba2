package relation

import (
	"context"
	"strings"

	"github.com/keyfill/keyfill/internal/heading"
)

// Restriction narrows a relation's extension. Implementations compile to
// a WHERE clause fragment over the relation's heading.
type Restriction interface {
	clause(ctx context.Context, h *heading.Heading) (string, []interface{}, error)
}

// Cond restricts by equality on attribute values. Names absent from the
// heading are ignored, so a key carrying extra upstream attributes still
// restricts correctly.
type Cond map[string]interface{}

func (c Cond) clause(_ context.Context, h *heading.Heading) (string, []interface{}, error) {
	var terms []string
	var args []interface{}
	// heading order keeps generated SQL deterministic
	for _, name := range h.Names() {
		v, ok := c[name]
		if !ok {
			continue
		}
		if v == nil {
			terms = append(terms, quote(name)+" IS NULL")
			continue
		}
		terms = append(terms, quote(name)+" = ?")
		args = append(args, v)
	}
	return strings.Join(terms, " AND "), args, nil
}

// Where restricts by a verbatim SQL condition.
type Where string

func (w Where) clause(context.Context, *heading.Heading) (string, []interface{}, error) {
	if w == "" {
		return "", nil, nil
	}
	return "(" + string(w) + ")", nil, nil
}

// antijoin keeps tuples whose values on the shared attributes do not
// occur in the other relation.
type antijoin struct {
	other *Relation
	on    []string
}

func (a *antijoin) clause(ctx context.Context, _ *heading.Heading) (string, []interface{}, error) {
	selectList := "1"
	if len(a.on) > 0 {
		cols := make([]string, len(a.on))
		for i, name := range a.on {
			cols[i] = quote(name)
		}
		selectList = strings.Join(cols, ",")
	}
	sel, args, err := a.other.selectSQL(ctx, selectList)
	if err != nil {
		return "", nil, err
	}
	// with no shared attributes the match is unconditional
	if len(a.on) == 0 {
		return "NOT EXISTS (SELECT 1 FROM (" + sel + ") AS _t)", args, nil
	}
	var match []string
	for _, name := range a.on {
		match = append(match, "_t."+quote(name)+" = _s."+quote(name))
	}
	clause := "NOT EXISTS (SELECT 1 FROM (" + sel + ") AS _t WHERE " + strings.Join(match, " AND ") + ")"
	return clause, args, nil
}
