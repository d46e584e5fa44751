package apply

// State is the apply loop's per-session state, spec.md §4.5. Modeled as
// a single owned structure threaded through the loop rather than
// process globals (spec.md §9).
type State uint8

const (
	Idle State = iota
	InRemoteTxn
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InRemoteTxn:
		return "in_remote_txn"
	default:
		return "unknown"
	}
}

// txnState holds everything scoped to the remote transaction currently
// in flight: the BEGIN frame's fields, whether ORIGIN has been
// forwarded, and whether a row change has opened the local transaction
// yet (the lazy-open optimization, spec.md §9).
type txnState struct {
	state State

	finalLSN   int64
	commitTime int64
	xid        uint32

	haveOrigin       bool
	forwardedOrigin  string
	forwardedOriginL int64
	rowChangeSeen    bool

	localOpen bool
}

func (s *txnState) reset() {
	*s = txnState{}
}
