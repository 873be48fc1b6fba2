package heading

import (
	"context"
	"database/sql"
	"strings"

	kferr "github.com/keyfill/keyfill/internal/errors"
)

// Queryer executes a query against the backing store. It is implemented
// by conn.Connection and by *sql.DB.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// columnMeta is per-column metadata recovered from the stored CREATE
// TABLE text: the trailing comment and the autoincrement marker, neither
// of which the column listing exposes directly.
type columnMeta struct {
	comment       string
	autoincrement bool
}

// Introspect builds a grounded heading from an existing stored table.
// It fails with a TABLE_NOT_FOUND schema error when the table does not
// exist and with UNSUPPORTED_TYPE when a column's type cannot be
// classified as numeric, string, or blob.
func Introspect(ctx context.Context, q Queryer, database, table string) (*Heading, error) {
	if database == "" {
		database = "main"
	}

	createSQL, err := tableSQL(ctx, q, database, table)
	if err != nil {
		return nil, err
	}
	meta := parseCreateSQL(createSQL)

	rows, err := q.QueryContext(ctx,
		"SELECT name, type, `notnull`, dflt_value, pk FROM pragma_table_info(?, ?)",
		table, database)
	if err != nil {
		return nil, kferr.Wrap(kferr.ErrCategorySchema, kferr.CodeQueryFailed,
			"column listing failed for "+database+"."+table, err)
	}
	defer rows.Close()

	var attrs []Attribute
	for rows.Next() {
		var (
			name, rawType string
			notNull, pk   int
			dflt          sql.NullString
		)
		if err := rows.Scan(&name, &rawType, &notNull, &dflt, &pk); err != nil {
			return nil, kferr.Wrap(kferr.ErrCategorySchema, kferr.CodeQueryFailed,
				"scanning column listing for "+database+"."+table, err)
		}

		entry, ok := classify(rawType)
		if !ok {
			return nil, kferr.Newf(kferr.ErrCategorySchema, kferr.CodeUnsupportedType,
				"unsupported field type %s in `%s`.`%s`", rawType, database, table)
		}

		a := Attribute{
			Name:          name,
			Type:          rawType,
			InKey:         pk > 0,
			Nullable:      notNull == 0,
			Comment:       meta[name].comment,
			Autoincrement: meta[name].autoincrement,
			Numeric:       entry.class == classInteger || entry.class == classDecimal || entry.class == classFloat,
			String:        entry.class == classString,
			IsBlob:        entry.class == classBlob,
		}
		if dflt.Valid {
			a.Default = dflt.String
		}
		a.DType = resolveDType(entry, rawType, a.Nullable)
		attrs = append(attrs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, kferr.Wrap(kferr.ErrCategorySchema, kferr.CodeQueryFailed,
			"reading column listing for "+database+"."+table, err)
	}
	return New(attrs), nil
}

// tableSQL returns the stored CREATE TABLE text, or TABLE_NOT_FOUND.
func tableSQL(ctx context.Context, q Queryer, database, table string) (string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT sql FROM "+quoteName(database)+".sqlite_master WHERE type = 'table' AND name = ?",
		table)
	if err != nil {
		return "", kferr.Wrap(kferr.ErrCategorySchema, kferr.CodeQueryFailed,
			"table status failed for "+database+"."+table, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return "", kferr.Newf(kferr.ErrCategorySchema, kferr.CodeTableNotFound,
			"table `%s`.`%s` is not defined", database, table)
	}
	var createSQL sql.NullString
	if err := rows.Scan(&createSQL); err != nil {
		return "", kferr.Wrap(kferr.ErrCategorySchema, kferr.CodeQueryFailed,
			"scanning table status for "+database+"."+table, err)
	}
	return createSQL.String, nil
}

// constraint keywords that begin table-level clauses, not column
// definitions.
var constraintKeywords = map[string]bool{
	"primary":    true,
	"foreign":    true,
	"unique":     true,
	"check":      true,
	"constraint": true,
}

// parseCreateSQL recovers per-column comments and autoincrement markers
// from CREATE TABLE text in which each column definition sits on its own
// line, optionally followed by a trailing "-- comment". This is the form
// CreateTableSQL emits.
func parseCreateSQL(createSQL string) map[string]columnMeta {
	meta := make(map[string]columnMeta)
	for _, line := range strings.Split(createSQL, "\n") {
		line = strings.TrimSpace(line)
		name, rest := leadingIdentifier(line)
		if name == "" || constraintKeywords[strings.ToLower(name)] {
			continue
		}
		var m columnMeta
		if i := strings.Index(rest, "--"); i >= 0 {
			m.comment = strings.TrimSpace(rest[i+2:])
			rest = rest[:i]
		}
		m.autoincrement = strings.Contains(strings.ToUpper(rest), "AUTOINCREMENT")
		meta[name] = m
	}
	return meta
}

// leadingIdentifier extracts a possibly quoted identifier from the start
// of a column definition line, returning it with the remainder of the
// line. Returns "" when the line does not begin with an identifier.
func leadingIdentifier(line string) (name, rest string) {
	if line == "" {
		return "", ""
	}
	switch line[0] {
	case '`', '"', '\'':
		quote := line[0]
		end := strings.IndexByte(line[1:], quote)
		if end < 0 {
			return "", ""
		}
		return line[1 : 1+end], line[2+end:]
	case '[':
		end := strings.IndexByte(line, ']')
		if end < 0 {
			return "", ""
		}
		return line[1:end], line[end+1:]
	}
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			continue
		}
		return line[:i], line[i:]
	}
	return line, ""
}

// CreateTableSQL renders a heading as backing-store DDL. Column comments
// are emitted as trailing line comments so introspection can recover
// them, and key columns are gathered into a PRIMARY KEY clause.
func CreateTableSQL(database, table string, h *Heading) string {
	if database == "" {
		database = "main"
	}
	type defLine struct {
		def     string
		comment string
	}
	var lines []defLine
	for _, a := range h.Attributes() {
		def := quoteName(a.Name) + " " + a.Type
		if !a.Nullable {
			def += " NOT NULL"
		}
		if a.Default != "" {
			if isSQLLiteral(a.Default) || a.Default[0] == '"' || a.Default[0] == '\'' {
				def += " DEFAULT " + a.Default
			} else {
				def += ` DEFAULT '` + a.Default + `'`
			}
		}
		lines = append(lines, defLine{def: def, comment: a.Comment})
	}
	if pk := h.PrimaryKey(); len(pk) > 0 {
		quoted := make([]string, len(pk))
		for i, name := range pk {
			quoted[i] = quoteName(name)
		}
		lines = append(lines, defLine{def: "PRIMARY KEY (" + strings.Join(quoted, ", ") + ")"})
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE " + quoteName(database) + "." + quoteName(table) + " (\n")
	for i, line := range lines {
		b.WriteString("  " + line.def)
		if i < len(lines)-1 {
			b.WriteString(",")
		}
		if line.comment != "" {
			b.WriteString(" -- " + line.comment)
		}
		b.WriteString("\n")
	}
	b.WriteString(")")
	return b.String()
}
