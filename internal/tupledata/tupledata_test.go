package tupledata

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/leengari/logirep/internal/relation"
	"github.com/leengari/logirep/internal/wire"
)

func testCols() []relation.Column {
	return []relation.Column{
		{Name: "id", ReplicaIdentity: true},
		{Name: "note"},
		{Name: "big"},
	}
}

func testTypes() Registry {
	return Registry{"id": Int4, "note": Text, "big": Int8}
}

func roundTrip(t *testing.T, tuple TupleData, caps Capabilities) TupleData {
	t.Helper()
	w := wire.NewWriter(64)
	assert.NilError(t, Encode(w, tuple))
	r := wire.NewReader(w.Bytes())
	got, err := Decode(r, testCols(), testTypes(), caps)
	assert.NilError(t, err)
	assert.Assert(t, r.Done())
	return got
}

func TestRoundTripAllInternal(t *testing.T) {
	caps := Capabilities{AllowInternalBasetypes: true}
	tuple, err := BuildTuple(testCols(), testTypes(), caps, map[string]interface{}{
		"id": int64(7), "note": "hello", "big": int64(1 << 40),
	}, nil)
	assert.NilError(t, err)

	got := roundTrip(t, tuple, caps)
	assert.Equal(t, got.Slots[0].Format, FormatInternal)
	assert.Equal(t, got.Slots[0].Value.(int64), int64(7))
	assert.Equal(t, got.Slots[1].Value.(string), "hello")
	assert.Equal(t, got.Slots[2].Value.(int64), int64(1<<40))
}

func TestRoundTripBinaryFallback(t *testing.T) {
	// Internal not allowed, binary allowed: base types without array/
	// composite shape still go out as 'b'.
	caps := Capabilities{AllowBinaryBasetypes: true}
	tuple, err := BuildTuple(testCols(), testTypes(), caps, map[string]interface{}{
		"id": int64(1), "note": "x", "big": int64(2),
	}, nil)
	assert.NilError(t, err)

	got := roundTrip(t, tuple, caps)
	for _, s := range got.Slots {
		assert.Equal(t, s.Format, FormatBinary)
	}
}

func TestRoundTripTextFallback(t *testing.T) {
	caps := Capabilities{} // neither negotiated
	tuple, err := BuildTuple(testCols(), testTypes(), caps, map[string]interface{}{
		"id": int64(42), "note": "plain text", "big": int64(-5),
	}, nil)
	assert.NilError(t, err)

	got := roundTrip(t, tuple, caps)
	assert.Equal(t, got.Slots[0].Format, FormatText)
	assert.Equal(t, got.Slots[0].Value.(int64), int64(42))
	assert.Equal(t, got.Slots[2].Value.(int64), int64(-5))
}

func TestNullSlotRoundTrips(t *testing.T) {
	caps := Capabilities{AllowInternalBasetypes: true}
	tuple, err := BuildTuple(testCols(), testTypes(), caps, map[string]interface{}{
		"id": int64(1), "big": int64(2), // note omitted -> null
	}, nil)
	assert.NilError(t, err)

	got := roundTrip(t, tuple, caps)
	assert.Equal(t, got.Slots[1].Kind, SlotNull)
}

func TestUnchangedSlotRoundTrips(t *testing.T) {
	caps := Capabilities{AllowInternalBasetypes: true}
	tuple, err := BuildTuple(testCols(), testTypes(), caps, map[string]interface{}{
		"id": int64(1), "big": int64(2),
	}, map[string]bool{"note": true})
	assert.NilError(t, err)

	got := roundTrip(t, tuple, caps)
	assert.Equal(t, got.Slots[1].Kind, SlotUnchanged)
	assert.DeepEqual(t, got.UnchangedColumns(testCols()), []string{"note"})
}

func TestDecodeRejectsWrongAttributeCount(t *testing.T) {
	w := wire.NewWriter(8)
	w.WriteByte('T')
	w.WriteUint16(1) // only one slot, but testCols() has three
	w.WriteByte('n')

	r := wire.NewReader(w.Bytes())
	_, err := Decode(r, testCols(), testTypes(), Capabilities{})
	assert.ErrorType(t, err, &MismatchedAttributeCount{})
}

func TestDecodeRejectsUnnegotiatedInternalFormat(t *testing.T) {
	caps := Capabilities{AllowInternalBasetypes: true}
	tuple, err := BuildTuple(testCols(), testTypes(), caps, map[string]interface{}{
		"id": int64(1), "note": "x", "big": int64(2),
	}, nil)
	assert.NilError(t, err)

	w := wire.NewWriter(64)
	assert.NilError(t, Encode(w, tuple))

	r := wire.NewReader(w.Bytes())
	_, err = Decode(r, testCols(), testTypes(), Capabilities{}) // no caps this time
	assert.ErrorType(t, err, &UnsupportedFeature{})
}

func TestDecodeRejectsUnknownSlotKind(t *testing.T) {
	w := wire.NewWriter(8)
	w.WriteByte('T')
	w.WriteUint16(3)
	w.WriteByte('z') // not a real slot kind
	r := wire.NewReader(w.Bytes())
	_, err := Decode(r, testCols(), testTypes(), Capabilities{})
	assert.ErrorType(t, err, &UnsupportedFeature{})
}

func TestValuesSkipsNullAndUnchanged(t *testing.T) {
	caps := Capabilities{AllowInternalBasetypes: true}
	tuple, err := BuildTuple(testCols(), testTypes(), caps, map[string]interface{}{
		"id": int64(9),
	}, map[string]bool{"big": true})
	assert.NilError(t, err)

	values := tuple.Values(testCols())
	assert.Equal(t, len(values), 1)
	assert.Equal(t, values["id"].(int64), int64(9))
}
