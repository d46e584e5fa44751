package relation

import (
	"fmt"
	"log/slog"
	"sync"
)

// UnknownRelation is raised by the decoder-side cache when a row change
// references a relation id that was never described.
type UnknownRelation struct {
	ID ID
}

func (e *UnknownRelation) Error() string {
	return fmt.Sprintf("unknown relation id %d: no RELATION message seen for it", e.ID)
}

// entry tracks one cached descriptor plus whether the encoder still
// considers it current.
type entry struct {
	desc  Descriptor
	valid bool
}

// Cache is the per-session relation dictionary. The encoder uses it to
// decide whether a RELATION message must precede the next row change;
// the decoder uses it to resolve a relation id back to its schema.
type Cache struct {
	mu      sync.Mutex
	entries map[ID]*entry
	logger  *slog.Logger
}

// NewCache creates an empty relation cache.
func NewCache(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{entries: make(map[ID]*entry), logger: logger}
}

// NeedsSend reports whether the encoder must emit a RELATION message for
// id before the next row change: true when there is no cached entry, or
// the cached entry was invalidated.
func (c *Cache) NeedsSend(id ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return !ok || !e.valid
}

// MarkSent records that desc has just been sent on the wire and is now
// the cached, valid entry for its id.
func (c *Cache) MarkSent(desc Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[desc.ID] = &entry{desc: desc, valid: true}
}

// Put records desc as the cached entry for its id (decoder side: every
// incoming RELATION message overrides whatever was cached, per spec.md
// §4.3).
func (c *Cache) Put(desc Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[desc.ID]; ok {
		c.logger.Debug("relation cache overridden", "relation_id", desc.ID, "table", desc.Table, "prior_table", old.desc.Table)
	}
	c.entries[desc.ID] = &entry{desc: desc, valid: true}
}

// Get resolves id to its cached descriptor. Returns UnknownRelation if
// nothing has been cached for id, or if the cached entry was
// invalidated without a replacement yet arriving.
func (c *Cache) Get(id ID) (Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || !e.valid {
		return Descriptor{}, &UnknownRelation{ID: id}
	}
	return e.desc, nil
}

// Invalidate marks id's cached entry stale, e.g. because the upstream's
// schema version for that relation changed. The next reference to id
// requires a fresh RELATION message.
func (c *Cache) Invalidate(id ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.valid = false
		c.logger.Debug("relation cache invalidated", "relation_id", id, "table", e.desc.Table)
	}
}

// Len returns the number of relation ids ever cached, including
// invalidated ones. Mostly useful for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
