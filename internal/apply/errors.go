package apply

import (
	"fmt"

	"github.com/leengari/logirep/internal/relation"
)

// ProtocolViolation is raised for any out-of-order message: ORIGIN
// after a row change, a nested BEGIN, or COMMIT without BEGIN.
// Fatal — the session terminates without committing.
type ProtocolViolation struct {
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("apply: protocol violation: %s", e.Reason)
}

// SchemaMismatch is raised when the local schema can't absorb a
// received descriptor at row apply: the relation has no replica
// identity and an UPDATE or DELETE needs one. A tuple whose slot count
// differs from its descriptor is rejected earlier, by the decoder, as
// tupledata.MismatchedAttributeCount, and Run returns that error as is.
type SchemaMismatch struct {
	RelationID relation.ID
	Reason     string
}

func (e *SchemaMismatch) Error() string {
	return fmt.Sprintf("apply: schema mismatch on relation %d: %s", e.RelationID, e.Reason)
}

// MissingRowEvent is reported, not returned as an error: an UPDATE or
// DELETE target was not found by identity key. The transaction
// continues; downstream policy decides whether to count these.
type MissingRowEvent struct {
	RelationID relation.ID
	Operation  string // "update" or "delete"
}
