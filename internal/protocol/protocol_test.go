package protocol

import (
	"bytes"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/leengari/logirep/internal/relation"
	"github.com/leengari/logirep/internal/tupledata"
	"github.com/leengari/logirep/internal/wire"
)

func testDescriptor() relation.Descriptor {
	return relation.NewDescriptor(16384, "public", "t", []relation.Column{
		{Name: "id", ReplicaIdentity: true},
		{Name: "v"},
	})
}

func testTypes() tupledata.Registry {
	return tupledata.Registry{"id": tupledata.Int4, "v": tupledata.Text}
}

func newPipe() (*Encoder, *Decoder, *relation.Cache) {
	buf := &bytes.Buffer{}
	encCache := relation.NewCache(nil)
	decCache := relation.NewCache(nil)
	caps := tupledata.Capabilities{AllowInternalBasetypes: true}
	enc := NewEncoder(buf, encCache, testTypes(), caps)
	dec := NewDecoder(buf, decCache, testTypes(), "UTF8")
	return enc, dec, decCache
}

// negotiate sends a STARTUP carrying the encoder's capabilities, so the
// decoder accepts the internal-binary slots the encoder then emits.
func negotiate(t *testing.T, enc *Encoder, dec *Decoder) {
	t.Helper()
	assert.NilError(t, enc.EncodeStartup(Startup{
		ClientEncoding:         "UTF8",
		AllowInternalBasetypes: enc.caps.AllowInternalBasetypes,
		AllowBinaryBasetypes:   enc.caps.AllowBinaryBasetypes,
	}))
	_, err := dec.Next()
	assert.NilError(t, err)
}

func TestStartupRoundTrip(t *testing.T) {
	enc, dec, _ := newPipe()
	assert.NilError(t, enc.EncodeStartup(Startup{
		ClientEncoding:         "UTF8",
		AllowInternalBasetypes: true,
		AllowBinaryBasetypes:   false,
		ReplicationSets:        []string{"default", "urgent"},
	}))

	msg, err := dec.Next()
	assert.NilError(t, err)
	assert.Equal(t, msg.Tag, byte(TagStartup))
	assert.Equal(t, msg.Startup.ClientEncoding, "UTF8")
	assert.Assert(t, msg.Startup.AllowInternalBasetypes)
	assert.Assert(t, !msg.Startup.AllowBinaryBasetypes)
	assert.DeepEqual(t, msg.Startup.ReplicationSets, []string{"default", "urgent"})
}

func TestStartupRejectsEncodingMismatch(t *testing.T) {
	enc, dec, _ := newPipe()
	assert.NilError(t, enc.EncodeStartup(Startup{ClientEncoding: "LATIN1"}))
	_, err := dec.Next()
	assert.ErrorContains(t, err, "client_encoding")
}

func TestInsertSendsRelationOnce(t *testing.T) {
	enc, dec, decCache := newPipe()
	negotiate(t, enc, dec)
	desc := testDescriptor()

	assert.NilError(t, enc.EncodeInsert(desc, map[string]interface{}{"id": int64(1), "v": "hi"}))
	assert.NilError(t, enc.EncodeInsert(desc, map[string]interface{}{"id": int64(2), "v": "bye"}))

	msg1, err := dec.Next()
	assert.NilError(t, err)
	assert.Equal(t, msg1.Tag, byte(TagRelation))
	assert.Equal(t, decCache.Len(), 1)

	msg2, err := dec.Next()
	assert.NilError(t, err)
	assert.Equal(t, msg2.Tag, byte(TagInsert))
	assert.Equal(t, msg2.Insert.New.Values(desc.Columns)["id"].(int64), int64(1))

	msg3, err := dec.Next()
	assert.NilError(t, err)
	assert.Equal(t, msg3.Tag, byte(TagInsert))
	assert.Equal(t, msg3.Insert.New.Values(desc.Columns)["v"].(string), "bye")
}

func TestUpdateWithKeyRoundTrip(t *testing.T) {
	enc, dec, _ := newPipe()
	negotiate(t, enc, dec)
	desc := testDescriptor()
	assert.NilError(t, enc.EncodeUpdate(desc,
		map[string]interface{}{"id": int64(5)},
		map[string]interface{}{"id": int64(5), "v": "new"},
		nil,
	))

	_, err := dec.Next() // RELATION
	assert.NilError(t, err)
	msg, err := dec.Next()
	assert.NilError(t, err)
	assert.Equal(t, msg.Tag, byte(TagUpdate))
	assert.Assert(t, msg.Update.HasKey)
	assert.Equal(t, msg.Update.Key.Values(desc.IdentityColumns())["id"].(int64), int64(5))
	assert.Equal(t, msg.Update.New.Values(desc.Columns)["v"].(string), "new")
}

func TestUpdateUnchangedColumnRoundTrip(t *testing.T) {
	enc, dec, _ := newPipe()
	negotiate(t, enc, dec)
	desc := testDescriptor()
	assert.NilError(t, enc.EncodeUpdate(desc, nil,
		map[string]interface{}{"id": int64(9)},
		map[string]bool{"v": true},
	))

	_, err := dec.Next() // RELATION
	assert.NilError(t, err)
	msg, err := dec.Next()
	assert.NilError(t, err)
	assert.Assert(t, !msg.Update.HasKey)
	assert.DeepEqual(t, msg.Update.New.UnchangedColumns(desc.Columns), []string{"v"})
}

func TestDeleteRoundTrip(t *testing.T) {
	enc, dec, _ := newPipe()
	negotiate(t, enc, dec)
	desc := testDescriptor()
	assert.NilError(t, enc.EncodeDelete(desc, map[string]interface{}{"id": int64(3)}))

	_, err := dec.Next() // RELATION
	assert.NilError(t, err)
	msg, err := dec.Next()
	assert.NilError(t, err)
	assert.Equal(t, msg.Tag, byte(TagDelete))
	assert.Equal(t, msg.Delete.Key.Values(desc.IdentityColumns())["id"].(int64), int64(3))
}

func TestBeginOriginCommitRoundTrip(t *testing.T) {
	enc, dec, _ := newPipe()
	assert.NilError(t, enc.EncodeBegin(Begin{FinalLSN: 0x100, CommitTime: 42, XID: 7}))
	assert.NilError(t, enc.EncodeOrigin(Origin{LSN: 0x90, Name: "nodeA"}))
	assert.NilError(t, enc.EncodeCommit(Commit{CommitLSN: 0x120, EndLSN: 0x128, CommitTime: 99}))

	begin, err := dec.Next()
	assert.NilError(t, err)
	assert.Equal(t, begin.Begin.XID, uint32(7))

	origin, err := dec.Next()
	assert.NilError(t, err)
	assert.Equal(t, origin.Origin.Name, "nodeA")
	assert.Equal(t, origin.Origin.LSN, int64(0x90))

	commit, err := dec.Next()
	assert.NilError(t, err)
	assert.Equal(t, commit.Commit.EndLSN, int64(0x128))
}

func TestKeepaliveIsConsumedAndIgnored(t *testing.T) {
	enc, dec, _ := newPipe()
	assert.NilError(t, enc.EncodeKeepalive())
	assert.NilError(t, enc.EncodeBegin(Begin{FinalLSN: 1, XID: 1}))

	msg, err := dec.Next()
	assert.NilError(t, err)
	assert.Equal(t, msg.Tag, byte(TagBegin))
}

func TestNextReturnsTransportClosedAtCleanEOF(t *testing.T) {
	buf := &bytes.Buffer{}
	dec := NewDecoder(buf, relation.NewCache(nil), testTypes(), "UTF8")
	_, err := dec.Next()
	assert.ErrorType(t, err, &TransportClosed{})
}

func TestRowChangeForUnknownRelationIsUnknownRelation(t *testing.T) {
	buf := &bytes.Buffer{}
	enc := NewEncoder(buf, relation.NewCache(nil), testTypes(), tupledata.Capabilities{AllowInternalBasetypes: true})

	// Hand-build an INSERT referencing a relation id that was never
	// announced, bypassing the cache-aware EncodeInsert helper.
	tuple, err := tupledata.BuildTuple(testDescriptor().Columns, testTypes(), tupledata.Capabilities{AllowInternalBasetypes: true},
		map[string]interface{}{"id": int64(1), "v": "x"}, nil)
	assert.NilError(t, err)

	inner := wire.NewWriter(64)
	inner.WriteByte(TagInsert)
	inner.WriteUint8(0)
	inner.WriteUint32(9999)
	inner.WriteByte(newTupleTag)
	assert.NilError(t, tupledata.Encode(inner, tuple))
	assert.NilError(t, enc.writeOuter(inner))

	dec := NewDecoder(buf, relation.NewCache(nil), testTypes(), "UTF8")
	_, err = dec.Next()
	assert.ErrorType(t, err, &relation.UnknownRelation{})
}
