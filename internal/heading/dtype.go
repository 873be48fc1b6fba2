package heading

import "strings"

// DType is the concrete in-memory representation of a column's values.
// Columns that cannot be mapped to a fixed-width numeric type, including
// nullable integers, use DTypeObject.
type DType string

const (
	DTypeInt8    DType = "int8"
	DTypeInt16   DType = "int16"
	DTypeInt32   DType = "int32"
	DTypeInt64   DType = "int64"
	DTypeUint8   DType = "uint8"
	DTypeUint16  DType = "uint16"
	DTypeUint32  DType = "uint32"
	DTypeUint64  DType = "uint64"
	DTypeFloat32 DType = "float32"
	DTypeFloat64 DType = "float64"
	DTypeObject  DType = "object"
)

// typeClass is the coarse classification of a column type.
type typeClass int

const (
	classUnknown typeClass = iota
	classInteger
	classDecimal
	classFloat
	classString
	classBlob
)

// typeEntry maps a base type name to its classification and, for
// fixed-width numeric types, the signed/unsigned representations.
type typeEntry struct {
	base     string
	class    typeClass
	signed   DType
	unsigned DType
}

// typeTable is the ordered classification table. Lookup is by exact base
// type name after normalization, so order only matters for readability.
var typeTable = []typeEntry{
	// integer family
	{"tinyint", classInteger, DTypeInt8, DTypeUint8},
	{"smallint", classInteger, DTypeInt16, DTypeUint16},
	{"mediumint", classInteger, DTypeInt32, DTypeUint32},
	{"int", classInteger, DTypeInt32, DTypeUint32},
	{"integer", classInteger, DTypeInt32, DTypeUint32},
	{"bigint", classInteger, DTypeInt64, DTypeUint64},

	// decimal family: numeric but no fixed-width representation
	{"decimal", classDecimal, "", ""},
	{"numeric", classDecimal, "", ""},

	// floating-point family
	{"float", classFloat, DTypeFloat32, DTypeFloat32},
	{"double", classFloat, DTypeFloat64, DTypeFloat64},
	{"real", classFloat, DTypeFloat64, DTypeFloat64},

	// string family
	{"char", classString, "", ""},
	{"varchar", classString, "", ""},
	{"enum", classString, "", ""},
	{"date", classString, "", ""},
	{"datetime", classString, "", ""},
	{"time", classString, "", ""},
	{"timestamp", classString, "", ""},
	{"text", classString, "", ""},

	// blob family
	{"blob", classBlob, "", ""},
	{"tinyblob", classBlob, "", ""},
	{"mediumblob", classBlob, "", ""},
	{"longblob", classBlob, "", ""},
}

// normalizeType splits a raw SQL type such as "smallint(5) unsigned" into
// its lowercase base name and an unsigned flag.
func normalizeType(raw string) (base string, unsigned bool) {
	t := strings.ToLower(strings.TrimSpace(raw))
	unsigned = strings.HasSuffix(t, " unsigned")
	t = strings.TrimSuffix(t, " unsigned")
	if i := strings.IndexByte(t, '('); i >= 0 {
		// drop the length/precision suffix, keeping anything after the
		// closing paren out of the base name
		t = strings.TrimSpace(t[:i])
	}
	return t, unsigned
}

// classify resolves a raw SQL type to its classification table entry.
// Returns classUnknown for types outside the supported families.
func classify(raw string) (typeEntry, bool) {
	base, _ := normalizeType(raw)
	for _, e := range typeTable {
		if e.base == base {
			return e, true
		}
	}
	return typeEntry{}, false
}

// resolveDType computes the concrete representation for a classified
// column. Fixed-width integers apply only to non-nullable columns; floats
// keep their width regardless of nullability; everything else is generic.
func resolveDType(e typeEntry, raw string, nullable bool) DType {
	_, unsigned := normalizeType(raw)
	switch e.class {
	case classInteger:
		if nullable {
			return DTypeObject
		}
		if unsigned {
			return e.unsigned
		}
		return e.signed
	case classFloat:
		if unsigned {
			return e.unsigned
		}
		return e.signed
	default:
		return DTypeObject
	}
}
