package localstore

import (
	"fmt"
	"sync"

	"github.com/leengari/logirep/internal/relation"
)

// Store is the per-origin collection of local tables, keyed by the
// wire relation id rather than schema/table name — the wire protocol
// never carries schema or table names (spec.md §4.3), so the mapping
// from relation id to local table is established out of band, the same
// way a real subscriber's catalog is populated once at subscription
// setup rather than per message.
type Store struct {
	mu     sync.RWMutex
	tables map[relation.ID]*Table
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{tables: make(map[relation.ID]*Table)}
}

// Register associates id with table, overwriting any prior mapping.
func (s *Store) Register(id relation.ID, table *Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[id] = table
}

// Table returns the local table registered for id.
func (s *Store) Table(id relation.ID) (*Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[id]
	if !ok {
		return nil, fmt.Errorf("localstore: no local table registered for relation id %d", id)
	}
	return t, nil
}
