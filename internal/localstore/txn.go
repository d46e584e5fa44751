package localstore

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// txnCounter hands out each Txn's SeqID, a process-wide increasing
// number, the same pattern the teacher's domain/transaction package
// used. progresslog records do not carry it.
var txnCounter uint64

// Txn is a lazily-opened local transaction: the apply engine creates
// one on the first row change of a remote transaction, never on BEGIN
// itself (spec.md §9's "lazy local transaction start").
type Txn struct {
	ID        string
	SeqID     uint64
	StartedAt time.Time
	active    bool
}

// NewTxn opens a new local transaction.
func NewTxn() *Txn {
	return &Txn{
		ID:        uuid.New().String(),
		SeqID:     atomic.AddUint64(&txnCounter, 1),
		StartedAt: time.Now(),
		active:    true,
	}
}

// Active reports whether Close has not yet been called.
func (t *Txn) Active() bool { return t.active }

// Close marks the transaction finished, whether by commit or rollback
// (localstore keeps no undo log, so a "rollback" at this layer is just
// the caller discarding the Txn without having advanced origin
// progress — see internal/apply's cancellation handling).
func (t *Txn) Close() { t.active = false }
