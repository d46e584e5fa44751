package localstore

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/leengari/logirep/internal/relation"
)

func TestStoreRegisterAndLookup(t *testing.T) {
	s := NewStore()
	tbl := NewTable("t", []string{"id"})
	s.Register(16384, tbl)

	got, err := s.Table(16384)
	assert.NilError(t, err)
	assert.Equal(t, got, tbl)
}

func TestStoreLookupUnregisteredFails(t *testing.T) {
	s := NewStore()
	_, err := s.Table(relation.ID(1))
	assert.ErrorContains(t, err, "no local table registered")
}

func TestTxnLifecycle(t *testing.T) {
	tx := NewTxn()
	assert.Assert(t, tx.Active())
	tx.Close()
	assert.Assert(t, !tx.Active())
}
