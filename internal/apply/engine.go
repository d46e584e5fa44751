package apply

import (
	"sync/atomic"

	"github.com/leengari/logirep/internal/conflict"
	"github.com/leengari/logirep/internal/protocol"
	"github.com/leengari/logirep/internal/relation"
)

// Termination is the cooperative cancellation token (spec.md §9's
// "sigatomic flag, but a shared atomic boolean"). Checked at loop
// boundaries; a set flag abandons the in-progress remote transaction
// rather than committing it.
type Termination struct {
	flag atomic.Bool
}

// Stop requests the engine's Run loop exit at the next safe point.
func (t *Termination) Stop() { t.flag.Store(true) }

// Requested reports whether Stop has been called.
func (t *Termination) Requested() bool { return t.flag.Load() }

// Engine drives one upstream origin's apply loop: pull a message,
// advance the state machine, write through Host, repeat.
type Engine struct {
	decoder       *protocol.Decoder
	cache         *relation.Cache
	host          Host
	resolver      conflict.Resolver
	reporter      conflict.Reporter
	onMissingRow  func(MissingRowEvent)
	sessionOrigin string
	term          *Termination

	observers []Observer
	txn       txnState
}

// Option customizes an Engine at construction.
type Option func(*Engine)

// WithResolver overrides the default conflict resolver.
func WithResolver(r conflict.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithReporter installs a conflict.Reporter. Without one, conflicts are
// still resolved and attached Observers still receive them as
// EventConflictResolved.
func WithReporter(r conflict.Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

// WithMissingRowHandler installs a callback invoked whenever an UPDATE
// or DELETE target isn't found by identity key. Without one, the event
// reaches only attached Observers (as EventMissingRow) — the transaction
// always continues either way.
func WithMissingRowHandler(f func(MissingRowEvent)) Option {
	return func(e *Engine) { e.onMissingRow = f }
}

// NewEngine builds an apply Engine for one session. sessionOrigin names
// the origin this decoder's upstream identifies itself as — the origin
// whose progress is advanced on every COMMIT regardless of any
// forwarded origin.
func NewEngine(decoder *protocol.Decoder, cache *relation.Cache, host Host, sessionOrigin string, term *Termination, opts ...Option) *Engine {
	e := &Engine{
		decoder:       decoder,
		cache:         cache,
		host:          host,
		resolver:      conflict.LastWriterWins{},
		sessionOrigin: sessionOrigin,
		term:          term,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run processes messages until the transport closes, the termination
// flag is observed, or a fatal error occurs. A fatal error and a clean
// TransportClosed are both returned to the caller; the caller decides
// whether a TransportClosed warrants a supervisor restart (spec.md §7).
func (e *Engine) Run() error {
	for {
		if e.term.Requested() {
			e.abandon()
			return nil
		}

		msg, err := e.decoder.Next()
		if err != nil {
			e.abandon()
			return err
		}

		if err := e.handle(msg); err != nil {
			e.abandon()
			return err
		}
	}
}

func (e *Engine) abandon() {
	if e.txn.localOpen {
		e.host.RollbackLocalTxn()
	}
	e.txn.reset()
}

func (e *Engine) handle(msg protocol.Message) error {
	switch msg.Tag {
	case protocol.TagRelation:
		// Cache already updated by the decoder; nothing else to do in
		// any state.
		return nil
	case protocol.TagStartup:
		return nil
	case protocol.TagBegin:
		return e.handleBegin(msg.Begin)
	case protocol.TagOrigin:
		return e.handleOrigin(msg.Origin)
	case protocol.TagCommit:
		return e.handleCommit(msg.Commit)
	case protocol.TagInsert:
		return e.handleInsert(msg.Insert)
	case protocol.TagUpdate:
		return e.handleUpdate(msg.Update)
	case protocol.TagDelete:
		return e.handleDelete(msg.Delete)
	default:
		return nil
	}
}

func (e *Engine) handleBegin(b *protocol.Begin) error {
	if e.txn.state != Idle {
		return &ProtocolViolation{Reason: "nested BEGIN inside an open remote transaction"}
	}
	e.txn = txnState{
		state:      InRemoteTxn,
		finalLSN:   b.FinalLSN,
		commitTime: b.CommitTime,
		xid:        b.XID,
	}
	e.notify(Event{Type: EventBeginStart, Data: b})
	return nil
}

func (e *Engine) handleOrigin(o *protocol.Origin) error {
	if e.txn.state == Idle {
		return &ProtocolViolation{Reason: "ORIGIN outside a remote transaction"}
	}
	if e.txn.rowChangeSeen {
		return &ProtocolViolation{Reason: "ORIGIN after a row change"}
	}
	if e.txn.haveOrigin {
		return &ProtocolViolation{Reason: "ORIGIN sent more than once in one remote transaction"}
	}
	e.txn.haveOrigin = true
	e.txn.forwardedOrigin = o.Name
	e.txn.forwardedOriginL = o.LSN
	return nil
}

func (e *Engine) handleCommit(c *protocol.Commit) error {
	if e.txn.state == Idle {
		return &ProtocolViolation{Reason: "COMMIT without BEGIN"}
	}

	if e.txn.localOpen {
		if err := e.host.CommitLocalTxn(); err != nil {
			return err
		}
	}

	// localstore has no LSN of its own to pair with the remote one, so
	// the local commit's end LSN is taken to be the remote commit's —
	// any distinct host would record its own commit position here.
	if err := e.host.AdvanceOrigin(e.sessionOrigin, c.EndLSN, c.EndLSN); err != nil {
		return err
	}
	if e.txn.haveOrigin && e.txn.forwardedOrigin != e.sessionOrigin {
		if err := e.host.AdvanceOrigin(e.txn.forwardedOrigin, e.txn.forwardedOriginL, c.EndLSN); err != nil {
			return err
		}
	}

	e.notify(Event{Type: EventCommitEnd, Data: c})
	e.txn.reset()
	return nil
}

func (e *Engine) beginRowChange() error {
	if e.txn.state == Idle {
		return &ProtocolViolation{Reason: "row change outside a remote transaction"}
	}
	e.txn.rowChangeSeen = true
	if !e.txn.localOpen {
		if err := e.host.EnsureLocalTxn(); err != nil {
			return err
		}
		e.txn.localOpen = true
	}
	return nil
}

func (e *Engine) handleInsert(in *protocol.Insert) error {
	if err := e.beginRowChange(); err != nil {
		return err
	}

	desc, err := e.cache.Get(in.RelationID)
	if err != nil {
		return err
	}
	tbl, err := e.host.OpenRelation(in.RelationID)
	if err != nil {
		return err
	}

	row := e.host.FormLocalRow(desc, in.New)

	_, existingHandle, conflicted := e.host.ProbeConflict(tbl, row)
	if !conflicted {
		_, err := e.host.InsertRow(tbl, row)
		if err == nil {
			e.notify(Event{Type: EventRowApplied, Data: in})
		}
		return err
	}

	existing, _ := tbl.Get(existingHandle)
	decision := e.resolver.Resolve(conflict.KindInsert, conflict.Row{Values: existing}, conflict.Row{Values: row})

	e.report(conflict.Report{
		Kind:     conflict.KindInsert,
		Local:    conflict.Row{Values: existing},
		Remote:   conflict.Row{Values: row},
		Chosen:   decision.Merged,
		Decision: decision.ResolutionTag,
	})

	if decision.Apply {
		return e.host.UpdateRow(tbl, existingHandle, decision.Merged)
	}
	return nil
}

func (e *Engine) handleUpdate(u *protocol.Update) error {
	if err := e.beginRowChange(); err != nil {
		return err
	}

	desc, err := e.cache.Get(u.RelationID)
	if err != nil {
		return err
	}
	if !desc.HasIdentity() {
		return &SchemaMismatch{RelationID: u.RelationID, Reason: "relation has no replica identity, required to apply UPDATE"}
	}
	tbl, err := e.host.OpenRelation(u.RelationID)
	if err != nil {
		return err
	}

	newRow := e.host.FormLocalRow(desc, u.New)

	// Locate by the new tuple's replica-identity columns unconditionally.
	// The optional 'K' old-key tuple is decoded off the wire but not
	// consulted here: an identity-key-changing UPDATE is out of scope
	// for this engine (see DESIGN.md's Open Question on 'K').
	e.host.PushSnapshot(tbl)
	handle, oldRow, found := e.host.FindByKey(tbl, newRow)
	if !found {
		e.host.PopSnapshot(tbl)
		e.reportMissingRow(u.RelationID, "update")
		return nil
	}

	for _, col := range u.New.UnchangedColumns(desc.Columns) {
		newRow[col] = oldRow[col]
	}

	err = e.host.UpdateRow(tbl, handle, newRow)
	e.host.PopSnapshot(tbl)
	if err == nil {
		e.notify(Event{Type: EventRowApplied, Data: u})
	}
	return err
}

func (e *Engine) handleDelete(d *protocol.Delete) error {
	if err := e.beginRowChange(); err != nil {
		return err
	}

	desc, err := e.cache.Get(d.RelationID)
	if err != nil {
		return err
	}
	if !desc.HasIdentity() {
		return &SchemaMismatch{RelationID: d.RelationID, Reason: "relation has no replica identity, required to apply DELETE"}
	}
	tbl, err := e.host.OpenRelation(d.RelationID)
	if err != nil {
		return err
	}

	key := e.host.FormLocalRow(relationOf(desc.IdentityColumns()), d.Key)

	e.host.PushSnapshot(tbl)
	handle, _, found := e.host.FindByKey(tbl, key)
	if !found {
		e.host.PopSnapshot(tbl)
		e.reportMissingRow(d.RelationID, "delete")
		return nil
	}
	err = e.host.DeleteRow(tbl, handle)
	e.host.PopSnapshot(tbl)
	if err == nil {
		e.notify(Event{Type: EventRowApplied, Data: d})
	}
	return err
}

func (e *Engine) report(r conflict.Report) {
	if e.reporter != nil {
		e.reporter.ReportConflict(r)
	}
	e.notify(Event{Type: EventConflictResolved, Data: r})
}

func (e *Engine) reportMissingRow(id relation.ID, op string) {
	evt := MissingRowEvent{RelationID: id, Operation: op}
	if e.onMissingRow != nil {
		e.onMissingRow(evt)
	}
	e.notify(Event{Type: EventMissingRow, Data: evt})
}

// relationOf wraps a bare column slice (e.g. IdentityColumns()) as the
// minimal Descriptor FormLocalRow needs to position tuple slots.
func relationOf(cols []relation.Column) relation.Descriptor {
	return relation.NewDescriptor(0, "", "", cols)
}
