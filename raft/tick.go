package raft

// handleTick is the tick callback passed to IO.Start. It is the
// engine's only notion of elapsed time: election timeouts, heartbeats,
// promotion rounds, leadership transfer deadlines and the snapshot
// threshold are all driven from here.
func (r *Raft) handleTick(nowMS int64) {
	if r.closing || !r.started {
		return
	}

	switch r.state {
	case Follower, Candidate:
		r.checkElectionTimer(nowMS)
	case Leader:
		r.checkTransferDeadline(nowMS)
		r.replicateAll(nowMS)
		r.tryCompletePromotionRound(nowMS)
	}
	// Drain committed entries a previous bounded apply pass left behind.
	r.applyCommitted()
	// A snapshot sheds applied log entries regardless of role: a
	// follower advances last_applied the same as a leader and would
	// otherwise never compact (§4.9).
	r.maybeStartSnapshot(nowMS)
}

// checkTransferDeadline aborts a leadership transfer that the target
// never completed in time, restoring normal client-request handling.
func (r *Raft) checkTransferDeadline(nowMS int64) {
	if r.transfer == nil {
		return
	}
	if nowMS >= r.transfer.deadlineMS {
		r.logger.Warningf("leadership transfer to %x timed out", r.transfer.target)
		r.stopTransfer()
	}
}

// maybeStartSnapshot triggers a local snapshot once the log has grown
// past the configured threshold since the last one.
func (r *Raft) maybeStartSnapshot(nowMS int64) {
	if r.snapshotting {
		return
	}
	if r.lastApplied <= r.log.snapshot.LastIndex {
		return
	}
	sinceLast := r.lastApplied - r.log.snapshot.LastIndex
	if sinceLast < r.cfg.SnapshotThreshold {
		return
	}
	r.startLocalSnapshot()
}
