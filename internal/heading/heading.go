package heading

import (
	"fmt"
	"strings"

	kferr "github.com/keyfill/keyfill/internal/errors"
)

// Heading is an ordered mapping from attribute name to Attribute. A
// heading is either grounded (introspected from a stored table, every
// SQLExpression empty) or derived (built through algebra, possibly
// containing renames and expressions).
type Heading struct {
	names []string
	attrs map[string]Attribute
}

// New builds a heading from attributes in the given order. Duplicate
// names keep the first occurrence's position with the last descriptor,
// matching ordered-map construction.
func New(attrs []Attribute) *Heading {
	h := &Heading{attrs: make(map[string]Attribute, len(attrs))}
	for _, a := range attrs {
		if _, seen := h.attrs[a.Name]; !seen {
			h.names = append(h.names, a.Name)
		}
		h.attrs[a.Name] = a
	}
	return h
}

// Len returns the number of attributes.
func (h *Heading) Len() int {
	if h == nil {
		return 0
	}
	return len(h.names)
}

// Names returns the attribute names in heading order.
func (h *Heading) Names() []string {
	out := make([]string, len(h.names))
	copy(out, h.names)
	return out
}

// Attributes returns the attributes in heading order.
func (h *Heading) Attributes() []Attribute {
	out := make([]Attribute, 0, len(h.names))
	for _, name := range h.names {
		out = append(out, h.attrs[name])
	}
	return out
}

// Get returns the attribute with the given name.
func (h *Heading) Get(name string) (Attribute, bool) {
	a, ok := h.attrs[name]
	return a, ok
}

// PrimaryKey returns the names of the primary-key attributes, in order.
func (h *Heading) PrimaryKey() []string {
	var out []string
	for _, name := range h.names {
		if h.attrs[name].InKey {
			out = append(out, name)
		}
	}
	return out
}

// DependentAttributes returns the names of the non-key attributes.
func (h *Heading) DependentAttributes() []string {
	var out []string
	for _, name := range h.names {
		if !h.attrs[name].InKey {
			out = append(out, name)
		}
	}
	return out
}

// Blobs returns the names of blob attributes.
func (h *Heading) Blobs() []string {
	var out []string
	for _, name := range h.names {
		if h.attrs[name].IsBlob {
			out = append(out, name)
		}
	}
	return out
}

// NonBlobs returns the names of non-blob attributes.
func (h *Heading) NonBlobs() []string {
	var out []string
	for _, name := range h.names {
		if !h.attrs[name].IsBlob {
			out = append(out, name)
		}
	}
	return out
}

// Expressions returns the names of attributes carrying a SQL expression.
func (h *Heading) Expressions() []string {
	var out []string
	for _, name := range h.names {
		if h.attrs[name].SQLExpression != "" {
			out = append(out, name)
		}
	}
	return out
}

// HasAutoincrement reports whether any attribute auto-increments.
func (h *Heading) HasAutoincrement() bool {
	for _, name := range h.names {
		if h.attrs[name].Autoincrement {
			return true
		}
	}
	return false
}

// AsSQL renders the heading as a SQL field list, resolving expressions
// to aliased terms.
func (h *Heading) AsSQL() string {
	terms := make([]string, 0, len(h.names))
	for _, name := range h.names {
		a := h.attrs[name]
		if a.SQLExpression == "" {
			terms = append(terms, quoteName(name))
		} else {
			terms = append(terms, a.SQLExpression+" as "+quoteName(name))
		}
	}
	return strings.Join(terms, ",")
}

// String renders one line per attribute for display.
func (h *Heading) String() string {
	var b strings.Builder
	for _, name := range h.names {
		a := h.attrs[name]
		left := name
		if a.Default != "" {
			left = fmt.Sprintf("%s=%q", name, a.Default)
		}
		typ := a.Type
		if a.Autoincrement {
			typ += " auto_increment"
		}
		fmt.Fprintf(&b, "%-20s : %-28s # %s\n", left, typ, a.Comment)
	}
	return b.String()
}

// firstMissing scans names and returns the first one absent from the
// heading, or "" when all are present.
func (h *Heading) firstMissing(names []string) string {
	for _, name := range names {
		if _, ok := h.attrs[name]; !ok {
			return name
		}
	}
	return ""
}

// Computed is one computed or renamed attribute requested by Project.
// When Expr names an existing attribute the result is a rename; otherwise
// Expr is taken verbatim as a SQL expression.
type Computed struct {
	Name string
	Expr string
}

// Project derives a new heading by keeping, renaming, and computing
// attributes. Kept attributes come first in source order, then the
// computed and renamed ones in caller order. When forcedKey is non-nil it
// decides key membership of kept and renamed attributes; otherwise the
// source setting is preserved. Fails when a kept name is absent.
func (h *Heading) Project(keep []string, computed []Computed, forcedKey []string) (*Heading, error) {
	if missing := h.firstMissing(keep); missing != "" {
		return nil, kferr.Newf(kferr.ErrCategorySchema, kferr.CodeAttributeNotFound,
			"attribute `%s` is not found", missing)
	}

	var forced map[string]bool
	if forcedKey != nil {
		forced = make(map[string]bool, len(forcedKey))
		for _, name := range forcedKey {
			forced[name] = true
		}
	}

	keepSet := make(map[string]bool, len(keep))
	for _, name := range keep {
		keepSet[name] = true
	}

	var attrs []Attribute
	for _, name := range h.names {
		if !keepSet[name] {
			continue
		}
		a := h.attrs[name]
		if forced != nil {
			a.InKey = forced[name]
		}
		attrs = append(attrs, a)
	}

	for _, c := range computed {
		if src, ok := h.attrs[c.Expr]; ok {
			// rename: copy the source descriptor under the new name
			a := src
			a.Name = c.Name
			a.SQLExpression = quoteName(c.Expr)
			if forced != nil {
				a.InKey = forced[c.Expr]
			}
			attrs = append(attrs, a)
		} else {
			attrs = append(attrs, computedAttribute(c.Name, c.Expr))
		}
	}
	return New(attrs), nil
}

// Join derives the heading of a natural join: this heading's attributes
// unchanged, then the other's attributes whose names are new, in the
// other's order. Overlapping names are left to the caller to interpret.
func (h *Heading) Join(other *Heading) *Heading {
	attrs := h.Attributes()
	for _, name := range other.names {
		if _, ok := h.attrs[name]; !ok {
			attrs = append(attrs, other.attrs[name])
		}
	}
	return New(attrs)
}

// StripExpressions returns a heading identical except every attribute's
// SQLExpression is cleared. Used when a derived heading becomes the
// schema of a materialized subquery that already resolved them.
func (h *Heading) StripExpressions() *Heading {
	attrs := h.Attributes()
	for i := range attrs {
		attrs[i].SQLExpression = ""
	}
	return New(attrs)
}

// ExtendPrimaryKey returns a heading in which every named attribute is
// additionally part of the primary key. Fails when a name is absent.
func (h *Heading) ExtendPrimaryKey(names []string) (*Heading, error) {
	if missing := h.firstMissing(names); missing != "" {
		return nil, kferr.Newf(kferr.ErrCategorySchema, kferr.CodeAttributeNotFound,
			"attribute `%s` is not found", missing)
	}
	extend := make(map[string]bool, len(names))
	for _, name := range names {
		extend[name] = true
	}
	attrs := h.Attributes()
	for i := range attrs {
		if extend[attrs[i].Name] {
			attrs[i].InKey = true
		}
	}
	return New(attrs), nil
}

// quoteName back-tick-quotes an attribute name for use in expressions.
func quoteName(name string) string {
	return "`" + name + "`"
}
