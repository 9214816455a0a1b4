package raft

// ReplicationState is the leader's view of how it is replicating to one
// follower.
type ReplicationState uint8

const (
	// Probe sends at most one AppendEntries per heartbeat, waiting for
	// an ack before advancing — used when the leader doesn't yet know
	// how far the follower's log matches its own.
	Probe ReplicationState = iota + 1
	// Pipeline streams entries eagerly, without waiting for each ack.
	Pipeline
	// Snapshot means an InstallSnapshot is in flight; no AppendEntries
	// are sent until it completes.
	Snapshot
)

func (s ReplicationState) String() string {
	switch s {
	case Probe:
		return "Probe"
	case Pipeline:
		return "Pipeline"
	case Snapshot:
		return "Snapshot"
	default:
		return "Unknown"
	}
}

// Progress is the leader's per-follower replication state: C3 in the
// component breakdown.
type Progress struct {
	State ReplicationState

	NextIndex  uint64
	MatchIndex uint64

	// SnapshotIndex is the last index of the snapshot currently being
	// sent, meaningful only in state Snapshot.
	SnapshotIndex uint64

	// LastSendMS is when the leader last sent this follower an
	// AppendEntries, used to decide when the next heartbeat is due.
	LastSendMS int64

	// RecentRecv is set once this follower has been heard from (an
	// AppendEntriesResult); nothing resets it.
	RecentRecv bool
}

// newProgress resets a follower's progress the way a newly elected
// leader initializes every member: optimistic next_index, nothing
// matched, Probe until proven otherwise.
func newProgress(leaderLastIndex uint64) *Progress {
	return &Progress{
		State:      Probe,
		NextIndex:  leaderLastIndex + 1,
		MatchIndex: 0,
	}
}

// becomeProbe transitions to Probe, computing NextIndex either from
// MatchIndex (the common path) or from the snapshot index just sent
// (on a Snapshot -> Probe transition after InstallSnapshot completes).
func (p *Progress) becomeProbe() {
	if p.State == Snapshot {
		pending := p.SnapshotIndex
		p.State = Probe
		p.SnapshotIndex = 0
		if pending+1 > p.MatchIndex+1 {
			p.NextIndex = pending + 1
		} else {
			p.NextIndex = p.MatchIndex + 1
		}
		return
	}
	p.State = Probe
	p.NextIndex = p.MatchIndex + 1
}

func (p *Progress) becomePipeline() {
	p.State = Pipeline
	p.NextIndex = p.MatchIndex + 1
}

func (p *Progress) becomeSnapshot(snapshotIndex uint64) {
	p.State = Snapshot
	p.SnapshotIndex = snapshotIndex
}

// maybeUpdate records a successful AppendEntries ack up through index.
// It reports whether this moved MatchIndex forward (a stale ack, e.g.
// reordered, leaves state unchanged) and makes the first successful
// ack the Probe -> Pipeline transition.
func (p *Progress) maybeUpdate(index uint64) bool {
	advanced := false
	if p.MatchIndex < index {
		p.MatchIndex = index
		advanced = true
	}
	if p.NextIndex <= index {
		p.NextIndex = index + 1
	}
	if advanced && p.State == Probe {
		p.becomePipeline()
	}
	return advanced
}

// maybeDecrease applies the rejection hint from a failed AppendEntries:
// next_index drops to min(rejected, hint+1), never below 1, and the
// follower returns to Probe. Returns false if the rejection is stale
// (already superseded by a later ack).
func (p *Progress) maybeDecrease(rejectedIndex, hint uint64) bool {
	if rejectedIndex <= p.MatchIndex {
		return false
	}
	next := rejectedIndex
	if hint+1 < next {
		next = hint + 1
	}
	if next < 1 {
		next = 1
	}
	p.NextIndex = next
	p.State = Probe
	return true
}

// needsSnapshot reports whether the entry this follower needs next has
// already been compacted away, meaning the leader must switch it to
// Snapshot state instead of sending AppendEntries.
func (p *Progress) needsSnapshot(snapshotLastIndex uint64) bool {
	return p.State != Snapshot && p.NextIndex-1 <= snapshotLastIndex && snapshotLastIndex > 0
}
