// Package localstore is the in-memory, identity-indexed row store the
// apply engine replicates into. It plays the role the teacher's
// internal/domain/schema.Table and internal/engine index types played
// for the SQL engine, adapted to the replication engine's host
// capability surface (spec.md §4.5): relation handles, unique-index
// conflict probing, and row mutation by handle rather than by
// predicate scan.
package localstore

import (
	"fmt"
	"sort"
	"sync"
)

// Row is one table row: column name to value, already in decoded Go
// native form (the tuple codec has already applied the right
// text/binary/internal decode function by the time a Row is built).
type Row map[string]interface{}

// Copy returns an independent copy of r.
func (r Row) Copy() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// RowHandle identifies a row within a Table for the lifetime of the
// table; it survives updates (a row keeps its handle across an
// UpdateRow) but not deletes.
type RowHandle uint64

// ConflictError is returned by InsertRow when a unique index (including
// the identity index) already has an entry for the incoming row's key.
type ConflictError struct {
	Table   string
	Columns []string
	Value   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("unique index conflict on %s(%s)=%s", e.Table, joinCols(e.Columns), e.Value)
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}

// index is one unique constraint on the table: a composite key made of
// one or more columns, mapping to the single row holding it.
type index struct {
	columns []string
	data    map[string]RowHandle
}

func newIndex(columns []string) *index {
	cols := append([]string(nil), columns...)
	sort.Strings(cols) // composite key order is stable regardless of caller-supplied order
	return &index{columns: cols, data: make(map[string]RowHandle)}
}

// key builds the composite lookup key for row, and reports whether row
// carries a value for every indexed column (a partial key never
// matches).
func (ix *index) key(row Row) (string, bool) {
	key := ""
	for i, c := range ix.columns {
		v, ok := row[c]
		if !ok {
			return "", false
		}
		if i > 0 {
			key += "\x00"
		}
		key += fmt.Sprintf("%v", v)
	}
	return key, true
}

// Table is one replicated relation's local storage: its rows plus the
// unique indexes (identity key first) used for replica-identity lookup
// and INSERT conflict detection.
type Table struct {
	mu         sync.RWMutex
	Name       string
	rows       map[RowHandle]Row
	nextHandle RowHandle
	indexes    []*index // indexes[0] is always the identity index
}

// NewTable creates an empty table. identityColumns must be non-empty;
// spec.md §4.5 requires a replica identity before UPDATE/DELETE can be
// applied against a relation.
func NewTable(name string, identityColumns []string) *Table {
	return &Table{
		Name:    name,
		rows:    make(map[RowHandle]Row),
		indexes: []*index{newIndex(identityColumns)},
	}
}

// AddUniqueIndex registers an additional unique constraint, beyond the
// identity index, that INSERT conflict probing must also check (spec.md
// §4.6: "any unique index, including the primary/identity key").
func (t *Table) AddUniqueIndex(columns []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexes = append(t.indexes, newIndex(columns))
}

// Lock/Unlock/RLock/RUnlock expose the table's lock directly so the
// apply engine's push_snapshot/pop_snapshot capability (DefaultHost's
// PushSnapshot/PopSnapshot) can hold it across an identity lookup and
// the mutation that follows, mirroring schema.Table's Lock/Unlock pair.
func (t *Table) Lock()    { t.mu.Lock() }
func (t *Table) Unlock()  { t.mu.Unlock() }
func (t *Table) RLock()   { t.mu.RLock() }
func (t *Table) RUnlock() { t.mu.RUnlock() }

// IdentityColumns returns the columns making up the identity index.
func (t *Table) IdentityColumns() []string {
	return append([]string(nil), t.indexes[0].columns...)
}

// FindByKey locates the single row matching key against the named
// index's columns (index 0 is the identity index). Caller must hold at
// least a read lock.
func (t *Table) FindByKey(indexPos int, key Row) (RowHandle, Row, bool) {
	ix := t.indexes[indexPos]
	k, ok := ix.key(key)
	if !ok {
		return 0, nil, false
	}
	h, ok := ix.data[k]
	if !ok {
		return 0, nil, false
	}
	return h, t.rows[h], true
}

// ProbeConflict reports the first unique index (besides index -1,
// meaning none) that already holds a row colliding with row's key,
// along with that row's handle. Caller must hold at least a read lock.
func (t *Table) ProbeConflict(row Row) (indexPos int, handle RowHandle, found bool) {
	for i, ix := range t.indexes {
		k, ok := ix.key(row)
		if !ok {
			continue
		}
		if h, exists := ix.data[k]; exists {
			return i, h, true
		}
	}
	return -1, 0, false
}

// InsertRow adds row unconditionally and returns its handle. Callers
// are expected to have already probed for conflicts via ProbeConflict;
// InsertRow still refuses a genuine duplicate rather than silently
// corrupting an index.
func (t *Table) InsertRow(row Row) (RowHandle, error) {
	if pos, _, found := t.ProbeConflict(row); found {
		return 0, &ConflictError{Table: t.Name, Columns: t.indexes[pos].columns, Value: mustKey(t.indexes[pos], row)}
	}
	t.nextHandle++
	h := t.nextHandle
	stored := row.Copy()
	t.rows[h] = stored
	for _, ix := range t.indexes {
		if k, ok := ix.key(stored); ok {
			ix.data[k] = h
		}
	}
	return h, nil
}

func mustKey(ix *index, row Row) string {
	k, _ := ix.key(row)
	return k
}

// UpdateRow replaces the row at handle with newRow, rebuilding every
// index entry that referenced the old values.
func (t *Table) UpdateRow(handle RowHandle, newRow Row) error {
	old, ok := t.rows[handle]
	if !ok {
		return fmt.Errorf("localstore: update: row handle %d not found in table %q", handle, t.Name)
	}
	stored := newRow.Copy()
	for _, ix := range t.indexes {
		if k, ok := ix.key(old); ok {
			delete(ix.data, k)
		}
		if k, ok := ix.key(stored); ok {
			ix.data[k] = handle
		}
	}
	t.rows[handle] = stored
	return nil
}

// DeleteRow removes the row at handle and every index entry pointing
// at it.
func (t *Table) DeleteRow(handle RowHandle) error {
	row, ok := t.rows[handle]
	if !ok {
		return fmt.Errorf("localstore: delete: row handle %d not found in table %q", handle, t.Name)
	}
	for _, ix := range t.indexes {
		if k, ok := ix.key(row); ok {
			delete(ix.data, k)
		}
	}
	delete(t.rows, handle)
	return nil
}

// Get returns the row at handle, for tests and diagnostics.
func (t *Table) Get(handle RowHandle) (Row, bool) {
	r, ok := t.rows[handle]
	return r, ok
}

// Len returns the current row count.
func (t *Table) Len() int {
	return len(t.rows)
}
