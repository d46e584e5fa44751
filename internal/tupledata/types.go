package tupledata

import (
	"fmt"
	"strconv"
)

// Class mirrors a type's shape for the purposes of the format-choice
// algorithm: whether send/recv binary is safe to use depends on whether
// the type embeds other type identifiers (arrays, composites do; plain
// base types don't).
type Class uint8

const (
	ClassBase Class = iota
	ClassArray
	ClassComposite
)

// OID is a type identifier, analogous to a Postgres type oid. Built-in
// types use low, well-known values; FirstNormalOID is the boundary
// above which a type is considered user-defined and therefore never
// eligible for the 'i' internal-binary format (spec.md §4.2: "type-oid
// below the first user-allocated oid").
type OID uint32

const FirstNormalOID OID = 10000

// Well-known built-in type oids, kept deliberately small: this module
// only needs enough of a type system to exercise the three transfer
// formats, not a full catalog.
const (
	OIDBool OID = 16
	OIDInt2 OID = 21
	OIDInt4 OID = 23
	OIDInt8 OID = 20
	OIDText OID = 25
)

// Type describes everything the tuple codec needs to encode or decode
// one column's value: its wire shape (§4.2) and the functions that move
// a Go value to and from each transfer format.
//
// EncodeBinary/DecodeBinary double as both the internal-binary ('i') and
// send/recv-binary ('b') codec for a given type: both formats carry the
// same network-order payload in this module, which is valid because the
// only two parties that ever speak this wire format are Go processes on
// the same runtime, satisfying spec.md §4.2's precondition that 'i'
// requires peers to "share byte order and type widths". A type backed by
// a real heterogeneous internal representation would split these.
type Type struct {
	OID           OID
	Class         Class
	ByValue       bool
	FixedLen      int // -1 means varlena (variable length)
	HasBinaryRecv bool

	EncodeText   func(v interface{}) (string, error)
	DecodeText   func(s string) (interface{}, error)
	EncodeBinary func(v interface{}) ([]byte, error)
	DecodeBinary func(b []byte) (interface{}, error)
}

// IsBuiltin reports whether this type is eligible for the 'i' format at
// all (built-in, non-array, below the user-oid boundary).
func (t Type) IsBuiltin() bool {
	return t.Class == ClassBase && t.OID < FirstNormalOID
}

// Registry is a lookup of column name to its Type, supplied by whichever
// side of the wire owns the local catalog: the encoder resolves the
// upstream's column types, the apply engine resolves the downstream's.
type Registry map[string]Type

// Bool, Int2, Int4, Int8, Text are ready-made Type values for the
// built-in scalar types this module supports out of the box.
var (
	Bool = Type{
		OID: OIDBool, Class: ClassBase, ByValue: true, FixedLen: 1, HasBinaryRecv: true,
		EncodeText: func(v interface{}) (string, error) {
			b, ok := v.(bool)
			if !ok {
				return "", fmt.Errorf("bool: unexpected go type %T", v)
			}
			if b {
				return "t", nil
			}
			return "f", nil
		},
		DecodeText: func(s string) (interface{}, error) {
			switch s {
			case "t", "true":
				return true, nil
			case "f", "false":
				return false, nil
			}
			return nil, fmt.Errorf("bool: invalid text value %q", s)
		},
		EncodeBinary: func(v interface{}) ([]byte, error) {
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("bool: unexpected go type %T", v)
			}
			if b {
				return []byte{1}, nil
			}
			return []byte{0}, nil
		},
		DecodeBinary: func(b []byte) (interface{}, error) {
			if len(b) != 1 {
				return nil, fmt.Errorf("bool: expected 1 byte, got %d", len(b))
			}
			return b[0] != 0, nil
		},
	}

	Int4 = fixedIntType(OIDInt4, 4)
	Int8 = fixedIntType(OIDInt8, 8)
	Int2 = fixedIntType(OIDInt2, 2)

	Text = Type{
		OID: OIDText, Class: ClassBase, ByValue: false, FixedLen: -1, HasBinaryRecv: true,
		EncodeText: func(v interface{}) (string, error) {
			s, ok := v.(string)
			if !ok {
				return "", fmt.Errorf("text: unexpected go type %T", v)
			}
			return s, nil
		},
		DecodeText: func(s string) (interface{}, error) { return s, nil },
		EncodeBinary: func(v interface{}) ([]byte, error) {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("text: unexpected go type %T", v)
			}
			return []byte(s), nil
		},
		DecodeBinary: func(b []byte) (interface{}, error) { return string(b), nil },
	}
)

func fixedIntType(oid OID, width int) Type {
	return Type{
		OID: oid, Class: ClassBase, ByValue: true, FixedLen: width, HasBinaryRecv: true,
		EncodeText: func(v interface{}) (string, error) {
			n, ok := asInt64(v)
			if !ok {
				return "", fmt.Errorf("int%d: unexpected go type %T", width, v)
			}
			return strconv.FormatInt(n, 10), nil
		},
		DecodeText: func(s string) (interface{}, error) {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("int%d: invalid text value %q: %w", width, s, err)
			}
			return n, nil
		},
		EncodeBinary: func(v interface{}) ([]byte, error) {
			n, ok := asInt64(v)
			if !ok {
				return nil, fmt.Errorf("int%d: unexpected go type %T", width, v)
			}
			buf := make([]byte, width)
			putIntN(buf, n, width)
			return buf, nil
		},
		DecodeBinary: func(b []byte) (interface{}, error) {
			if len(b) != width {
				return nil, fmt.Errorf("int%d: expected %d bytes, got %d", width, width, len(b))
			}
			return getIntN(b, width), nil
		},
	}
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	}
	return 0, false
}

func putIntN(buf []byte, v int64, width int) {
	u := uint64(v)
	for i := 0; i < width; i++ {
		shift := uint(8 * (width - 1 - i))
		buf[i] = byte(u >> shift)
	}
}

func getIntN(buf []byte, width int) int64 {
	var u uint64
	for i := 0; i < width; i++ {
		u = u<<8 | uint64(buf[i])
	}
	// sign-extend from the field width
	shift := uint(64 - 8*width)
	return int64(u<<shift) >> shift
}
