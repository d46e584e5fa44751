// Package apply implements the apply state machine (spec.md §4.5): the
// loop that turns a decoded protocol.Message stream into local storage
// mutations, conflict resolution, and durable origin-progress
// advancement.
package apply

import (
	"fmt"

	"github.com/leengari/logirep/internal/localstore"
	"github.com/leengari/logirep/internal/progresslog"
	"github.com/leengari/logirep/internal/relation"
	"github.com/leengari/logirep/internal/tupledata"
)

// Host is the capability surface the apply engine writes row changes
// through (spec.md §4.5). DefaultHost is the concrete implementation
// built on internal/localstore and internal/progresslog; tests may
// supply a fake.
type Host interface {
	// EnsureLocalTxn opens the local transaction if one is not already
	// open for this session. Idempotent.
	EnsureLocalTxn() error
	// CommitLocalTxn commits whatever local transaction is open, if any.
	CommitLocalTxn() error
	// RollbackLocalTxn abandons whatever local transaction is open, if
	// any. Used on cancellation and on ProtocolViolation.
	RollbackLocalTxn()
	// LocalTxnOpen reports whether a local transaction is currently open.
	LocalTxnOpen() bool

	// OpenRelation resolves a relation id to its local table.
	OpenRelation(id relation.ID) (*localstore.Table, error)

	// FormLocalRow materializes a native row from decoded tuple data.
	FormLocalRow(desc relation.Descriptor, tuple tupledata.TupleData) localstore.Row

	// FindByKey looks up a row by its replica-identity index.
	FindByKey(tbl *localstore.Table, key localstore.Row) (localstore.RowHandle, localstore.Row, bool)
	// ProbeConflict checks every unique index (not just identity) for a
	// collision with row, used by INSERT conflict detection.
	ProbeConflict(tbl *localstore.Table, row localstore.Row) (indexPos int, handle localstore.RowHandle, found bool)

	InsertRow(tbl *localstore.Table, row localstore.Row) (localstore.RowHandle, error)
	UpdateRow(tbl *localstore.Table, handle localstore.RowHandle, row localstore.Row) error
	DeleteRow(tbl *localstore.Table, handle localstore.RowHandle) error

	// PushSnapshot/PopSnapshot bracket the identity lookup + mutation
	// pair for UPDATE and DELETE so the lookup sees a consistent view.
	PushSnapshot(tbl *localstore.Table)
	PopSnapshot(tbl *localstore.Table)

	// AdvanceOrigin durably records that origin's replication progress
	// moved to remoteEndLSN, paired with the local commit's end LSN.
	AdvanceOrigin(origin string, remoteEndLSN, localEndLSN int64) error
	// LastRemoteEndLSN returns the last durably-persisted remote end LSN
	// for origin, used at session start to pick a replication start
	// position.
	LastRemoteEndLSN(origin string) int64
}

// DefaultHost implements Host on top of an in-memory identity-indexed
// store and a durable progress log.
type DefaultHost struct {
	store    *localstore.Store
	progress *progresslog.Manager
	txn      *localstore.Txn
}

// NewDefaultHost builds a Host backed by store and progress.
func NewDefaultHost(store *localstore.Store, progress *progresslog.Manager) *DefaultHost {
	return &DefaultHost{store: store, progress: progress}
}

func (h *DefaultHost) EnsureLocalTxn() error {
	if h.txn != nil && h.txn.Active() {
		return nil
	}
	h.txn = localstore.NewTxn()
	return nil
}

func (h *DefaultHost) LocalTxnOpen() bool {
	return h.txn != nil && h.txn.Active()
}

func (h *DefaultHost) CommitLocalTxn() error {
	if h.txn == nil {
		return nil
	}
	h.txn.Close()
	h.txn = nil
	return nil
}

func (h *DefaultHost) RollbackLocalTxn() {
	if h.txn == nil {
		return
	}
	h.txn.Close()
	h.txn = nil
}

func (h *DefaultHost) OpenRelation(id relation.ID) (*localstore.Table, error) {
	tbl, err := h.store.Table(id)
	if err != nil {
		return nil, fmt.Errorf("apply: open relation: %w", err)
	}
	return tbl, nil
}

func (h *DefaultHost) FormLocalRow(desc relation.Descriptor, tuple tupledata.TupleData) localstore.Row {
	return localstore.Row(tuple.Values(desc.Columns))
}

func (h *DefaultHost) FindByKey(tbl *localstore.Table, key localstore.Row) (localstore.RowHandle, localstore.Row, bool) {
	return tbl.FindByKey(0, key)
}

func (h *DefaultHost) ProbeConflict(tbl *localstore.Table, row localstore.Row) (int, localstore.RowHandle, bool) {
	return tbl.ProbeConflict(row)
}

func (h *DefaultHost) InsertRow(tbl *localstore.Table, row localstore.Row) (localstore.RowHandle, error) {
	return tbl.InsertRow(row)
}

func (h *DefaultHost) UpdateRow(tbl *localstore.Table, handle localstore.RowHandle, row localstore.Row) error {
	return tbl.UpdateRow(handle, row)
}

func (h *DefaultHost) DeleteRow(tbl *localstore.Table, handle localstore.RowHandle) error {
	return tbl.DeleteRow(handle)
}

func (h *DefaultHost) PushSnapshot(tbl *localstore.Table) { tbl.Lock() }
func (h *DefaultHost) PopSnapshot(tbl *localstore.Table)  { tbl.Unlock() }

func (h *DefaultHost) AdvanceOrigin(origin string, remoteEndLSN, localEndLSN int64) error {
	return h.progress.Advance(origin, remoteEndLSN, localEndLSN)
}

func (h *DefaultHost) LastRemoteEndLSN(origin string) int64 {
	return h.progress.LastRemoteEndLSN(origin)
}
