// Package protocol implements the message layer described in spec.md
// §4.4: the inner message tags that ride inside the transport's outer
// copy-data envelope, built on top of internal/wire's framing
// primitives and internal/tupledata's row codec.
package protocol

import (
	"github.com/leengari/logirep/internal/relation"
	"github.com/leengari/logirep/internal/tupledata"
)

// Startup carries the negotiated session parameters (spec.md §6). When a
// STARTUP message arrives, the decoder checks ClientEncoding against its
// own database encoding (unless that is empty) and takes the session's
// transfer-format capabilities from it. The decoder does not require
// STARTUP before other messages; until one arrives, neither
// internal-binary nor send/recv-binary column values are accepted.
type Startup struct {
	ClientEncoding         string
	AllowInternalBasetypes bool
	AllowBinaryBasetypes   bool
	ReplicationSets        []string
}

func (s Startup) capabilities() tupledata.Capabilities {
	return tupledata.Capabilities{
		AllowInternalBasetypes: s.AllowInternalBasetypes,
		AllowBinaryBasetypes:   s.AllowBinaryBasetypes,
	}
}

// Begin opens a remote transaction.
type Begin struct {
	FinalLSN   int64
	CommitTime int64 // microseconds since 2000-01-01, matching the wire's epoch
	XID        uint32
}

// Origin forwards the position of an upstream that is itself a
// replication subscriber, relaying a change originally produced
// elsewhere. Legal at most once per remote transaction, before any row
// change.
type Origin struct {
	LSN  int64
	Name string
}

// Commit closes a remote transaction.
type Commit struct {
	CommitLSN  int64
	EndLSN     int64
	CommitTime int64
}

// Relation announces or re-announces a relation's schema. See
// internal/relation for the descriptor type itself.
type Relation struct {
	Descriptor relation.Descriptor
}

// Insert carries one new row.
type Insert struct {
	RelationID relation.ID
	New        tupledata.TupleData
}

// Update carries a new row and, when the identity key changed or the
// source decided to include it, the old row's key.
type Update struct {
	RelationID relation.ID
	HasKey     bool
	Key        tupledata.TupleData
	New        tupledata.TupleData
}

// Delete carries the identity key of the row being removed.
type Delete struct {
	RelationID relation.ID
	Key        tupledata.TupleData
}

// Message is the decoded form of one inner frame. Exactly one of the
// typed fields is non-nil, matching Tag.
type Message struct {
	Tag      byte
	Startup  *Startup
	Begin    *Begin
	Origin   *Origin
	Commit   *Commit
	Relation *Relation
	Insert   *Insert
	Update   *Update
	Delete   *Delete
}

// Inner message tags, spec.md §4.4.
const (
	TagStartup  = 'S'
	TagBegin    = 'B'
	TagOrigin   = 'O'
	TagCommit   = 'C'
	TagRelation = 'R'
	TagInsert   = 'I'
	TagUpdate   = 'U'
	TagDelete   = 'D'
)

// Outer copy-data envelope tags, spec.md §6.
const (
	outerData      = 'w'
	outerKeepalive = 'k'
)

// newTupleTag and keyTupleTag mark the sub-blocks inside INSERT/UPDATE/
// DELETE payloads ('N' for the new-row TupleData, 'K' for the key
// TupleData), spec.md §4.4.
const (
	newTupleTag = 'N'
	keyTupleTag = 'K'
)

// relationFlagIdentity is the column-flags bit meaning "part of the
// replica identity", spec.md §4.3.
const relationFlagIdentity = 1 << 0
