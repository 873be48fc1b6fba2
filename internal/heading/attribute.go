// Package heading models the column schema of a relation and the algebra
// that derives new schemas under projection, renaming, computed-attribute
// extension, join, and primary-key extension. Headings are values: no
// operation mutates an existing heading.
package heading

import (
	"fmt"
	"sort"
	"strings"

	kferr "github.com/keyfill/keyfill/internal/errors"
)

// Attribute describes one column of a relation. Attributes are immutable
// after construction.
type Attribute struct {
	// Name is the attribute name, unique within a heading.
	Name string

	// Type is the raw SQL type of a stored column, or "expression" for a
	// computed attribute.
	Type string

	// InKey reports whether the attribute is part of the primary key.
	InKey bool

	// Nullable reports whether the column admits NULL.
	Nullable bool

	// Default is the column default as stored by the backing store.
	// Empty means no default.
	Default string

	// Comment is the column comment.
	Comment string

	// Autoincrement reports whether the column auto-increments.
	Autoincrement bool

	// Exactly one of Numeric, String, IsBlob is true.
	Numeric bool
	String  bool
	IsBlob  bool

	// SQLExpression is set when the attribute is a rename or computation
	// rather than a stored column. Empty for grounded columns.
	SQLExpression string

	// DType is the concrete in-memory representation.
	DType DType
}

// computedAttribute returns the default descriptor for a computed
// attribute introduced by projection.
func computedAttribute(name, expr string) Attribute {
	return Attribute{
		Name:          name,
		Type:          "expression",
		Comment:       "calculated attribute",
		Numeric:       false,
		String:        false,
		IsBlob:        false,
		SQLExpression: expr,
		DType:         DTypeObject,
	}
}

// sqlLiterals are default values emitted without quoting.
var sqlLiterals = []string{"CURRENT_TIMESTAMP"}

// SQL renders the attribute as its schema-definition clause:
//
//	`name` type {DEFAULT NULL | NOT NULL [DEFAULT v]} COMMENT "comment"
//
// The default is unquoted only for SQL literal keywords or values already
// delimited. Fails when the comment contains a quote or backslash, which
// would break the clause.
func (a Attribute) SQL() (string, error) {
	if strings.ContainsAny(a.Comment, `"\`) {
		return "", kferr.Newf(kferr.ErrCategorySchema, kferr.CodeIllegalComment,
			"illegal characters in attribute comment %q", a.Comment)
	}
	def := "DEFAULT NULL"
	if !a.Nullable {
		def = "NOT NULL"
		if a.Default != "" {
			quote := !isSQLLiteral(a.Default) && a.Default[0] != '"' && a.Default[0] != '\''
			if quote {
				def += ` DEFAULT "` + a.Default + `"`
			} else {
				def += " DEFAULT " + a.Default
			}
		}
	}
	return fmt.Sprintf("`%s` %s %s COMMENT \"%s\"", a.Name, a.Type, def, a.Comment), nil
}

func isSQLLiteral(v string) bool {
	up := strings.ToUpper(v)
	for _, lit := range sqlLiterals {
		if up == lit {
			return true
		}
	}
	return false
}

// Key identifies one tuple of a relation by its primary-key attribute
// values. Keys are compared by value equality on the primary-key
// attribute set only.
type Key map[string]interface{}

// Names returns the key's attribute names in sorted order.
func (k Key) Names() []string {
	names := make([]string, 0, len(k))
	for name := range k {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Canonical returns a deterministic string form of the key, used for
// hashing and logging.
func (k Key) Canonical() string {
	var b strings.Builder
	for i, name := range k.Names() {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%v", name, k[name])
	}
	return b.String()
}

// Equal reports value equality over the primary-key attribute set.
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for name, v := range k {
		ov, ok := other[name]
		if !ok || fmt.Sprintf("%v", v) != fmt.Sprintf("%v", ov) {
			return false
		}
	}
	return true
}
