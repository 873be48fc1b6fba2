package heading

import (
	"errors"
	"testing"

	kferr "github.com/keyfill/keyfill/internal/errors"
)

func TestAttributeSQL_NotNullWithComment(t *testing.T) {
	a := Attribute{Name: "COL", Type: "TYPE", Comment: "ok", String: true}
	got, err := a.SQL()
	if err != nil {
		t.Fatalf("SQL() error: %v", err)
	}
	want := "`COL` TYPE NOT NULL COMMENT \"ok\""
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAttributeSQL_Nullable(t *testing.T) {
	a := Attribute{Name: "note", Type: "varchar(255)", Nullable: true, Comment: "free text", String: true}
	got, err := a.SQL()
	if err != nil {
		t.Fatalf("SQL() error: %v", err)
	}
	want := "`note` varchar(255) DEFAULT NULL COMMENT \"free text\""
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAttributeSQL_Defaults(t *testing.T) {
	tests := []struct {
		name string
		attr Attribute
		want string
	}{
		{
			name: "plain default is quoted",
			attr: Attribute{Name: "status", Type: "varchar(16)", Default: "new", Comment: "state", String: true},
			want: "`status` varchar(16) NOT NULL DEFAULT \"new\" COMMENT \"state\"",
		},
		{
			name: "sql literal stays unquoted",
			attr: Attribute{Name: "ts", Type: "timestamp", Default: "CURRENT_TIMESTAMP", Comment: "created", String: true},
			want: "`ts` timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP COMMENT \"created\"",
		},
		{
			name: "already delimited default stays as is",
			attr: Attribute{Name: "tag", Type: "varchar(8)", Default: "'x'", Comment: "", String: true},
			want: "`tag` varchar(8) NOT NULL DEFAULT 'x' COMMENT \"\"",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.attr.SQL()
			if err != nil {
				t.Fatalf("SQL() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAttributeSQL_IllegalComment(t *testing.T) {
	for _, comment := range []string{`has "quote`, `has \backslash`} {
		a := Attribute{Name: "c", Type: "int", Comment: comment, Numeric: true}
		if _, err := a.SQL(); err == nil {
			t.Errorf("comment %q: expected error, got none", comment)
		} else if !errors.Is(err, kferr.New(kferr.ErrCategorySchema, kferr.CodeIllegalComment, "")) {
			t.Errorf("comment %q: got %v, want ILLEGAL_COMMENT", comment, err)
		}
	}
}

func TestKeyCanonical(t *testing.T) {
	k := Key{"b": 2, "a": 1}
	if got, want := k.Canonical(), "a=1,b=2"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestKeyEqual(t *testing.T) {
	a := Key{"subject_id": 1, "session": 3}
	b := Key{"session": 3, "subject_id": 1}
	if !a.Equal(b) {
		t.Error("keys with same values should be equal regardless of construction order")
	}
	c := Key{"subject_id": 1, "session": 4}
	if a.Equal(c) {
		t.Error("keys with different values should not be equal")
	}
	d := Key{"subject_id": 1}
	if a.Equal(d) {
		t.Error("keys over different attribute sets should not be equal")
	}
}

func TestDTypeResolution(t *testing.T) {
	tests := []struct {
		rawType  string
		nullable bool
		want     DType
	}{
		{"tinyint", false, DTypeInt8},
		{"tinyint unsigned", false, DTypeUint8},
		{"smallint(5) unsigned", false, DTypeUint16},
		{"mediumint", false, DTypeInt32},
		{"int", false, DTypeInt32},
		{"int unsigned", false, DTypeUint32},
		{"bigint", false, DTypeInt64},
		{"bigint unsigned", false, DTypeUint64},
		// nullable integers have no fixed-width representation
		{"int", true, DTypeObject},
		{"bigint unsigned", true, DTypeObject},
		// floats keep their width regardless of nullability
		{"float", true, DTypeFloat32},
		{"double", true, DTypeFloat64},
		{"double", false, DTypeFloat64},
		// decimals and strings are generic
		{"decimal(10,2)", false, DTypeObject},
		{"varchar(32)", false, DTypeObject},
	}
	for _, tt := range tests {
		entry, ok := classify(tt.rawType)
		if !ok {
			t.Errorf("classify(%q): not classified", tt.rawType)
			continue
		}
		if got := resolveDType(entry, tt.rawType, tt.nullable); got != tt.want {
			t.Errorf("resolveDType(%q, nullable=%v) = %v, want %v", tt.rawType, tt.nullable, got, tt.want)
		}
	}
}

func TestClassify_Families(t *testing.T) {
	numeric := []string{"tinyint", "smallint unsigned", "mediumint(8)", "int", "integer", "bigint", "decimal(10,2)", "numeric", "float", "double", "real"}
	strings_ := []string{"char(4)", "varchar(255)", "enum('a','b')", "date", "datetime", "time", "timestamp", "text"}
	blobs := []string{"blob", "tinyblob", "mediumblob", "longblob"}

	for _, typ := range numeric {
		e, ok := classify(typ)
		if !ok || (e.class != classInteger && e.class != classDecimal && e.class != classFloat) {
			t.Errorf("%q should classify as numeric", typ)
		}
	}
	for _, typ := range strings_ {
		e, ok := classify(typ)
		if !ok || e.class != classString {
			t.Errorf("%q should classify as string", typ)
		}
	}
	for _, typ := range blobs {
		e, ok := classify(typ)
		if !ok || e.class != classBlob {
			t.Errorf("%q should classify as blob", typ)
		}
	}
	if _, ok := classify("geometry"); ok {
		t.Error("geometry should not classify")
	}
}
