// Package relation defines the relation descriptor shared by the encoder
// and the apply engine, and the per-session cache that lets the wire
// protocol elide redundant RELATION messages.
package relation

// Column describes one live column of a replicated relation, in wire
// order.
type Column struct {
	Name            string
	ReplicaIdentity bool // part of the replica-identity key
}

// ID identifies a relation on the wire. It is opaque to the apply
// engine beyond being a cache key.
type ID uint32

// Descriptor is the schema/table/column metadata needed to interpret a
// row payload for one relation. Column order is significant: TupleData
// slots are positional against this order.
type Descriptor struct {
	ID         ID
	Schema     string
	Table      string
	Columns    []Column
	version    uint64 // set to 1 by NewDescriptor; nothing reads or changes it afterwards
}

// NewDescriptor builds a Descriptor. version starts at 1 so the zero
// value of Descriptor is recognizably "no descriptor".
func NewDescriptor(id ID, schema, table string, columns []Column) Descriptor {
	return Descriptor{ID: id, Schema: schema, Table: table, Columns: columns, version: 1}
}

// LiveAttributeCount returns the number of columns carried on the wire
// for this relation.
func (d Descriptor) LiveAttributeCount() int { return len(d.Columns) }

// IdentityColumns returns the subset of columns flagged as part of the
// replica identity, preserving column order.
func (d Descriptor) IdentityColumns() []Column {
	var out []Column
	for _, c := range d.Columns {
		if c.ReplicaIdentity {
			out = append(out, c)
		}
	}
	return out
}

// HasIdentity reports whether this relation carries a non-empty replica
// identity, required before any UPDATE/DELETE can be applied against it.
func (d Descriptor) HasIdentity() bool {
	for _, c := range d.Columns {
		if c.ReplicaIdentity {
			return true
		}
	}
	return false
}
