// Package conflict implements the apply engine's conflict-detection and
// resolution policy (spec.md §4.6): what happens when an incoming
// INSERT collides with an existing row on a unique index, and the
// reporting side-channel every conflict (resolved or not) is announced
// through.
package conflict

import "time"

// Kind identifies which row operation produced a conflict.
type Kind int

const (
	KindInsert Kind = iota
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ResolutionTag records which side a resolved conflict favored.
type ResolutionTag int

const (
	TagKeepLocal ResolutionTag = iota
	TagApplyRemote
	TagMerged
)

func (t ResolutionTag) String() string {
	switch t {
	case TagKeepLocal:
		return "keep_local"
	case TagApplyRemote:
		return "apply_remote"
	case TagMerged:
		return "merged"
	default:
		return "unknown"
	}
}

// Row is the resolver's view of one side of a conflicting pair: the
// column values plus whatever the host needs to identify a commit time
// for last-writer-wins comparisons.
type Row struct {
	Values     map[string]interface{}
	CommitTime time.Time
}

// Decision is what a Resolver returns for one conflict.
type Decision struct {
	Apply         bool
	Merged        map[string]interface{}
	ResolutionTag ResolutionTag
}

// Resolver is the policy plug-point spec.md §9 calls out: "not a fixed
// algorithm". Implementations decide, for a given conflicting pair, how
// to proceed.
type Resolver interface {
	Resolve(kind Kind, local, remote Row) Decision
}

// Report is what gets sent through the report_conflict side channel:
// every conflict, whether or not it was actually resolved in the
// remote's favor.
type Report struct {
	Kind     Kind
	Local    Row
	Remote   Row
	Chosen   map[string]interface{}
	Decision ResolutionTag
}

// Reporter receives every conflict report. Implementations might log,
// count metrics, or forward to an operator-facing queue; this package
// only defines the shape.
type Reporter interface {
	ReportConflict(Report)
}

// LastWriterWins is the default resolver: the remote row wins whenever
// its commit time is not older than the local row's, matching spec.md
// §9's suggested default ("last-writer-wins by remote commit time").
type LastWriterWins struct{}

// Resolve implements Resolver.
func (LastWriterWins) Resolve(kind Kind, local, remote Row) Decision {
	if !remote.CommitTime.Before(local.CommitTime) {
		return Decision{Apply: true, Merged: remote.Values, ResolutionTag: TagApplyRemote}
	}
	return Decision{Apply: false, Merged: local.Values, ResolutionTag: TagKeepLocal}
}
