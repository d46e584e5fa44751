// Package tupledata implements the per-row value codec described in
// spec.md §4.2: a TupleData message is a tagged sequence of column
// slots, each either null, an "unchanged large value" marker, or a
// value carried in one of three transfer formats (internal-binary,
// send/recv-binary, text). The format-choice algorithm picks the most
// efficient format the negotiated capabilities allow.
package tupledata

import (
	"fmt"

	"github.com/leengari/logirep/internal/relation"
	"github.com/leengari/logirep/internal/wire"
)

// SlotKind is the one-byte tag that begins every column slot.
type SlotKind uint8

const (
	SlotNull SlotKind = iota
	SlotUnchanged
	SlotValue
)

const (
	tagTuple     = 'T'
	tagNull      = 'n'
	tagUnchanged = 'u'
	tagInternal  = 'i'
	tagBinary    = 'b'
	tagText      = 't'
)

// TransferFormat is the wire encoding chosen for a value slot.
type TransferFormat uint8

const (
	FormatInternal TransferFormat = iota
	FormatBinary
	FormatText
)

// Capabilities mirrors the subset of StartupParameters (spec.md §6) that
// governs which transfer formats are legal on this session.
type Capabilities struct {
	AllowInternalBasetypes bool
	AllowBinaryBasetypes   bool
}

// Slot is one column's worth of a TupleData message.
type Slot struct {
	Kind   SlotKind
	Format TransferFormat // only meaningful when Kind == SlotValue
	Value  interface{}    // decoded/undecoded Go value, only when Kind == SlotValue
	typ    Type           // only needed to (re-)encode; absent after decode-then-discard
}

// TupleData is an ordered, positional vector of slots matching the live
// column count of the relation it belongs to.
type TupleData struct {
	Slots []Slot
}

// MismatchedAttributeCount is returned when a decoded tuple's slot count
// does not match the relation descriptor's live-attribute count. The
// apply engine's Run returns it to its caller unchanged; it is not
// converted to apply.SchemaMismatch.
type MismatchedAttributeCount struct {
	Expected, Got int
}

func (e *MismatchedAttributeCount) Error() string {
	return fmt.Sprintf("tuple attribute count mismatch: expected %d, got %d", e.Expected, e.Got)
}

// UnsupportedFeature is returned when the wire carries a transfer format
// that was not negotiated at startup.
type UnsupportedFeature struct {
	Feature string
}

func (e *UnsupportedFeature) Error() string {
	return fmt.Sprintf("unsupported feature: %s", e.Feature)
}

// ChooseFormat implements spec.md §4.2's format-choice algorithm,
// carried over verbatim from pglogical_proto_native.c's
// decide_datum_transfer: prefer internal-binary for built-in base types
// when allowed, else send/recv-binary when allowed and the type isn't a
// composite or array, else text.
func ChooseFormat(t Type, caps Capabilities) TransferFormat {
	if caps.AllowInternalBasetypes && t.IsBuiltin() {
		return FormatInternal
	}
	if caps.AllowBinaryBasetypes && t.HasBinaryRecv && t.Class != ClassComposite && t.Class != ClassArray {
		return FormatBinary
	}
	return FormatText
}

// BuildTuple constructs a TupleData for cols in order. values supplies
// the live value for each column by name (a missing or nil entry
// becomes a null slot); unchanged names become unchanged-large-value
// slots regardless of values (legal only for UPDATE new-tuples on
// externally-stored varlena columns; neither this codec nor the apply
// engine checks that restriction).
func BuildTuple(cols []relation.Column, types Registry, caps Capabilities, values map[string]interface{}, unchanged map[string]bool) (TupleData, error) {
	slots := make([]Slot, len(cols))
	for i, col := range cols {
		if unchanged[col.Name] {
			slots[i] = Slot{Kind: SlotUnchanged}
			continue
		}
		v, present := values[col.Name]
		if !present || v == nil {
			slots[i] = Slot{Kind: SlotNull}
			continue
		}
		t, ok := types[col.Name]
		if !ok {
			return TupleData{}, fmt.Errorf("tupledata: no type registered for column %q", col.Name)
		}
		slots[i] = Slot{Kind: SlotValue, Format: ChooseFormat(t, caps), Value: v, typ: t}
	}
	return TupleData{Slots: slots}, nil
}

// Encode writes t to w following spec.md §4.2's wire layout.
func Encode(w *wire.Writer, t TupleData) error {
	w.WriteByte(tagTuple)
	w.WriteUint16(uint16(len(t.Slots)))
	for _, s := range t.Slots {
		switch s.Kind {
		case SlotNull:
			w.WriteByte(tagNull)
		case SlotUnchanged:
			w.WriteByte(tagUnchanged)
		case SlotValue:
			if err := encodeValue(w, s); err != nil {
				return err
			}
		default:
			return fmt.Errorf("tupledata: encode: unknown slot kind %d", s.Kind)
		}
	}
	return nil
}

func encodeValue(w *wire.Writer, s Slot) error {
	switch s.Format {
	case FormatInternal:
		w.WriteByte(tagInternal)
		raw, err := s.typ.EncodeBinary(s.Value)
		if err != nil {
			return err
		}
		if s.typ.FixedLen < 0 {
			// Varlena internal payload carries its own 4-byte length
			// header ahead of the data, per spec.md §4.2.
			header := make([]byte, 4)
			wire.ByteOrder.PutUint32(header, uint32(4+len(raw)))
			raw = append(header, raw...)
		}
		w.WriteBlob32(raw)
	case FormatBinary:
		w.WriteByte(tagBinary)
		raw, err := s.typ.EncodeBinary(s.Value)
		if err != nil {
			return err
		}
		w.WriteBlob32(raw)
	case FormatText:
		w.WriteByte(tagText)
		text, err := s.typ.EncodeText(s.Value)
		if err != nil {
			return err
		}
		payload := append([]byte(text), 0)
		w.WriteBlob32(payload)
	default:
		return fmt.Errorf("tupledata: encode: unknown transfer format %d", s.Format)
	}
	return nil
}

// Decode reads a TupleData off r, resolving each column's Go value
// using types (looked up by the column name at the matching position in
// cols — the wire carries no type information, only the local catalog
// does, per spec.md §4.3).
func Decode(r wire.Source, cols []relation.Column, types Registry, caps Capabilities) (TupleData, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return TupleData{}, err
	}
	if tag != tagTuple {
		return TupleData{}, &wire.MalformedFrame{Reason: fmt.Sprintf("expected tuple tag 'T', got %q", tag)}
	}

	count, err := r.ReadUint16()
	if err != nil {
		return TupleData{}, err
	}
	if int(count) != len(cols) {
		return TupleData{}, &MismatchedAttributeCount{Expected: len(cols), Got: int(count)}
	}

	slots := make([]Slot, count)
	for i := range slots {
		slot, err := decodeSlot(r, cols[i], types, caps)
		if err != nil {
			return TupleData{}, err
		}
		slots[i] = slot
	}
	return TupleData{Slots: slots}, nil
}

func decodeSlot(r wire.Source, col relation.Column, types Registry, caps Capabilities) (Slot, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return Slot{}, err
	}

	switch kind {
	case tagNull:
		return Slot{Kind: SlotNull}, nil
	case tagUnchanged:
		return Slot{Kind: SlotUnchanged}, nil
	case tagInternal:
		if !caps.AllowInternalBasetypes {
			return Slot{}, &UnsupportedFeature{Feature: "internal-binary column transfer"}
		}
		return decodeInternal(r, col, types)
	case tagBinary:
		if !caps.AllowBinaryBasetypes {
			return Slot{}, &UnsupportedFeature{Feature: "send/recv-binary column transfer"}
		}
		return decodeBinary(r, col, types)
	case tagText:
		return decodeText(r, col, types)
	default:
		return Slot{}, &UnsupportedFeature{Feature: fmt.Sprintf("tuple slot kind %q", string(kind))}
	}
}

func resolveType(col relation.Column, types Registry) (Type, error) {
	t, ok := types[col.Name]
	if !ok {
		return Type{}, fmt.Errorf("tupledata: no type registered for column %q", col.Name)
	}
	return t, nil
}

func decodeInternal(r wire.Source, col relation.Column, types Registry) (Slot, error) {
	t, err := resolveType(col, types)
	if err != nil {
		return Slot{}, err
	}
	raw, err := r.ReadBlob32()
	if err != nil {
		return Slot{}, err
	}
	body := raw
	if t.FixedLen < 0 {
		if len(raw) < 4 {
			return Slot{}, &wire.MalformedFrame{Reason: "internal varlena payload shorter than its own length header"}
		}
		body = raw[4:]
	} else if len(raw) != t.FixedLen {
		return Slot{}, fmt.Errorf("tupledata: column %q: internal payload length %d does not match fixed width %d", col.Name, len(raw), t.FixedLen)
	}
	val, err := t.DecodeBinary(body)
	if err != nil {
		return Slot{}, fmt.Errorf("tupledata: column %q: %w", col.Name, err)
	}
	return Slot{Kind: SlotValue, Format: FormatInternal, Value: val, typ: t}, nil
}

func decodeBinary(r wire.Source, col relation.Column, types Registry) (Slot, error) {
	t, err := resolveType(col, types)
	if err != nil {
		return Slot{}, err
	}
	raw, err := r.ReadBlob32()
	if err != nil {
		return Slot{}, err
	}
	val, err := t.DecodeBinary(raw)
	if err != nil {
		return Slot{}, fmt.Errorf("tupledata: column %q: %w", col.Name, err)
	}
	return Slot{Kind: SlotValue, Format: FormatBinary, Value: val, typ: t}, nil
}

func decodeText(r wire.Source, col relation.Column, types Registry) (Slot, error) {
	t, err := resolveType(col, types)
	if err != nil {
		return Slot{}, err
	}
	raw, err := r.ReadBlob32()
	if err != nil {
		return Slot{}, err
	}
	if len(raw) == 0 || raw[len(raw)-1] != 0 {
		return Slot{}, &wire.MalformedFrame{Reason: "text payload missing trailing NUL"}
	}
	val, err := t.DecodeText(string(raw[:len(raw)-1]))
	if err != nil {
		return Slot{}, fmt.Errorf("tupledata: column %q: %w", col.Name, err)
	}
	return Slot{Kind: SlotValue, Format: FormatText, Value: val, typ: t}, nil
}

// Values materializes the decoded tuple into a name-keyed map, skipping
// null and unchanged slots — the caller (apply engine's form_local_row,
// or the unchanged-column backfill in Scenario F) is responsible for
// handling those explicitly.
func (t TupleData) Values(cols []relation.Column) map[string]interface{} {
	out := make(map[string]interface{}, len(t.Slots))
	for i, s := range t.Slots {
		if s.Kind != SlotValue {
			continue
		}
		out[cols[i].Name] = s.Value
	}
	return out
}

// UnchangedColumns returns the names of columns, in descriptor order,
// whose slot is the unchanged-large-value marker.
func (t TupleData) UnchangedColumns(cols []relation.Column) []string {
	var out []string
	for i, s := range t.Slots {
		if s.Kind == SlotUnchanged {
			out = append(out, cols[i].Name)
		}
	}
	return out
}
