package apply

import (
	"bytes"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/leengari/logirep/internal/conflict"
	"github.com/leengari/logirep/internal/localstore"
	"github.com/leengari/logirep/internal/progresslog"
	"github.com/leengari/logirep/internal/protocol"
	"github.com/leengari/logirep/internal/relation"
	"github.com/leengari/logirep/internal/tupledata"
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

type harness struct {
	buf      *bytes.Buffer
	enc      *protocol.Encoder
	dec      *protocol.Decoder
	cache    *relation.Cache
	store    *localstore.Store
	progress *progresslog.Manager
	host     *DefaultHost
	reports  []conflict.Report
	missing  []MissingRowEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	buf := &bytes.Buffer{}
	encCache := relation.NewCache(nil)
	decCache := relation.NewCache(nil)
	caps := tupledata.Capabilities{AllowInternalBasetypes: true}

	store := localstore.NewStore()
	tbl := localstore.NewTable("t", []string{"id"})
	store.Register(16384, tbl)

	mgr, err := progresslog.OpenManager(filepath.Join(t.TempDir(), "progress.log"))
	assert.NilError(t, err)

	h := &harness{
		buf:      buf,
		enc:      protocol.NewEncoder(buf, encCache, testTypes(), caps),
		dec:      protocol.NewDecoder(buf, decCache, testTypes(), ""),
		cache:    decCache,
		store:    store,
		progress: mgr,
		host:     NewDefaultHost(store, mgr),
	}

	// The decoder only accepts internal-binary slots once STARTUP has
	// negotiated them, so consume one before any test frames.
	assert.NilError(t, h.enc.EncodeStartup(protocol.Startup{AllowInternalBasetypes: caps.AllowInternalBasetypes}))
	_, err = h.dec.Next()
	assert.NilError(t, err)
	return h
}

func (h *harness) engine(t *testing.T) *Engine {
	return NewEngine(h.dec, h.cache, h.host, "origin1", &Termination{},
		WithReporter(reporterFunc(func(r conflict.Report) { h.reports = append(h.reports, r) })),
		WithMissingRowHandler(func(e MissingRowEvent) { h.missing = append(h.missing, e) }),
	)
}

type reporterFunc func(conflict.Report)

func (f reporterFunc) ReportConflict(r conflict.Report) { f(r) }

func drain(t *testing.T, e *Engine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		msg, err := e.decoder.Next()
		assert.NilError(t, err)
		assert.NilError(t, e.handle(msg))
	}
}

func TestScenarioA_SimpleInsert(t *testing.T) {
	h := newHarness(t)
	desc := testDescriptor()

	assert.NilError(t, h.enc.EncodeBegin(protocol.Begin{FinalLSN: 0x100, XID: 42}))
	assert.NilError(t, h.enc.EncodeInsert(desc, map[string]interface{}{"id": int64(1), "v": "hi"}))
	assert.NilError(t, h.enc.EncodeCommit(protocol.Commit{CommitLSN: 0x120, EndLSN: 0x128}))

	e := h.engine(t)
	drain(t, e, 4) // BEGIN, RELATION, INSERT, COMMIT

	tbl, err := h.store.Table(16384)
	assert.NilError(t, err)
	_, row, ok := tbl.FindByKey(0, localstore.Row{"id": int64(1)})
	assert.Assert(t, ok)
	assert.Equal(t, row["v"].(string), "hi")
	assert.Equal(t, h.progress.LastRemoteEndLSN("origin1"), int64(0x128))
}

func TestScenarioB_InsertConflictConvertedToUpdate(t *testing.T) {
	h := newHarness(t)
	desc := testDescriptor()

	tbl, err := h.store.Table(16384)
	assert.NilError(t, err)
	_, err = tbl.InsertRow(localstore.Row{"id": int64(1), "v": "old"})
	assert.NilError(t, err)

	assert.NilError(t, h.enc.EncodeBegin(protocol.Begin{FinalLSN: 0x200}))
	assert.NilError(t, h.enc.EncodeInsert(desc, map[string]interface{}{"id": int64(1), "v": "new"}))
	assert.NilError(t, h.enc.EncodeCommit(protocol.Commit{EndLSN: 0x210}))

	e := h.engine(t)
	drain(t, e, 4)

	_, row, ok := tbl.FindByKey(0, localstore.Row{"id": int64(1)})
	assert.Assert(t, ok)
	assert.Equal(t, row["v"].(string), "new")
	assert.Equal(t, len(h.reports), 1)
	assert.Equal(t, h.reports[0].Decision, conflict.TagApplyRemote)
}

func TestScenarioC_UpdateMissingRow(t *testing.T) {
	h := newHarness(t)
	desc := testDescriptor()

	assert.NilError(t, h.enc.EncodeBegin(protocol.Begin{FinalLSN: 0x300}))
	assert.NilError(t, h.enc.EncodeUpdate(desc, nil, map[string]interface{}{"id": int64(2), "v": "x"}, nil))
	assert.NilError(t, h.enc.EncodeCommit(protocol.Commit{EndLSN: 0x310}))

	e := h.engine(t)
	drain(t, e, 4)

	tbl, err := h.store.Table(16384)
	assert.NilError(t, err)
	_, _, ok := tbl.FindByKey(0, localstore.Row{"id": int64(2)})
	assert.Assert(t, !ok)
	assert.Equal(t, len(h.missing), 1)
	assert.Equal(t, h.progress.LastRemoteEndLSN("origin1"), int64(0x310))
}

func TestScenarioD_ForwardedOriginAdvancesBoth(t *testing.T) {
	h := newHarness(t)
	desc := testDescriptor()

	assert.NilError(t, h.enc.EncodeBegin(protocol.Begin{FinalLSN: 0x400}))
	assert.NilError(t, h.enc.EncodeOrigin(protocol.Origin{Name: "nodeA", LSN: 0x90}))
	assert.NilError(t, h.enc.EncodeInsert(desc, map[string]interface{}{"id": int64(5), "v": "z"}))
	assert.NilError(t, h.enc.EncodeCommit(protocol.Commit{EndLSN: 0x200}))

	e := h.engine(t)
	drain(t, e, 5) // BEGIN, ORIGIN, RELATION, INSERT, COMMIT

	assert.Equal(t, h.progress.LastRemoteEndLSN("origin1"), int64(0x200))
	assert.Equal(t, h.progress.LastRemoteEndLSN("nodeA"), int64(0x90))
}

func TestScenarioE_ProtocolViolationOnOriginAfterRowChange(t *testing.T) {
	h := newHarness(t)
	desc := testDescriptor()

	assert.NilError(t, h.enc.EncodeBegin(protocol.Begin{FinalLSN: 0x500}))
	assert.NilError(t, h.enc.EncodeInsert(desc, map[string]interface{}{"id": int64(9), "v": "q"}))
	assert.NilError(t, h.enc.EncodeOrigin(protocol.Origin{Name: "nodeA", LSN: 0x1}))

	e := h.engine(t)
	msg, err := e.decoder.Next() // BEGIN
	assert.NilError(t, err)
	assert.NilError(t, e.handle(msg))
	msg, err = e.decoder.Next() // RELATION
	assert.NilError(t, err)
	assert.NilError(t, e.handle(msg))
	msg, err = e.decoder.Next() // INSERT
	assert.NilError(t, err)
	assert.NilError(t, e.handle(msg))
	msg, err = e.decoder.Next() // ORIGIN
	assert.NilError(t, err)
	err = e.handle(msg)
	assert.ErrorType(t, err, &ProtocolViolation{})
	e.abandon()

	assert.Equal(t, h.progress.LastRemoteEndLSN("origin1"), int64(0))
	assert.Assert(t, !h.host.LocalTxnOpen())
}

func TestUpdateWithoutIdentityIsSchemaMismatch(t *testing.T) {
	h := newHarness(t)
	desc := relation.NewDescriptor(16384, "public", "t", []relation.Column{
		{Name: "id"}, {Name: "v"},
	})
	h.cache.Put(desc)

	assert.NilError(t, h.enc.EncodeBegin(protocol.Begin{FinalLSN: 0x700}))

	e := h.engine(t)
	msg, err := e.decoder.Next()
	assert.NilError(t, err)
	assert.NilError(t, e.handle(msg))

	err = e.handleUpdate(&protocol.Update{RelationID: 16384, New: mustTuple(t, desc, map[string]interface{}{"id": int64(1), "v": "x"})})
	assert.ErrorType(t, err, &SchemaMismatch{})
}

func mustTuple(t *testing.T, desc relation.Descriptor, values map[string]interface{}) tupledata.TupleData {
	t.Helper()
	caps := tupledata.Capabilities{AllowInternalBasetypes: true}
	tuple, err := tupledata.BuildTuple(desc.Columns, testTypes(), caps, values, nil)
	assert.NilError(t, err)
	return tuple
}

func TestScenarioF_UnchangedLargeValue(t *testing.T) {
	h := newHarness(t)
	desc := testDescriptor()

	tbl, err := h.store.Table(16384)
	assert.NilError(t, err)
	_, err = tbl.InsertRow(localstore.Row{"id": int64(7), "v": "large-preimage"})
	assert.NilError(t, err)

	assert.NilError(t, h.enc.EncodeBegin(protocol.Begin{FinalLSN: 0x800}))
	assert.NilError(t, h.enc.EncodeUpdate(desc, nil,
		map[string]interface{}{"id": int64(7)},
		map[string]bool{"v": true},
	))
	assert.NilError(t, h.enc.EncodeCommit(protocol.Commit{EndLSN: 0x810}))

	e := h.engine(t)
	drain(t, e, 4)

	_, row, ok := tbl.FindByKey(0, localstore.Row{"id": int64(7)})
	assert.Assert(t, ok)
	assert.Equal(t, row["v"].(string), "large-preimage")
}

func TestEmptyTransactionStillAdvancesOrigin(t *testing.T) {
	h := newHarness(t)

	assert.NilError(t, h.enc.EncodeBegin(protocol.Begin{FinalLSN: 0x600}))
	assert.NilError(t, h.enc.EncodeCommit(protocol.Commit{EndLSN: 0x601}))

	e := h.engine(t)
	drain(t, e, 2)

	assert.Equal(t, h.progress.LastRemoteEndLSN("origin1"), int64(0x601))
}
