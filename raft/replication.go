package raft

import (
	"sort"

	"github.com/coreraft/raft/raftpb"
)

// onAppendComplete is the completion callback for both the leader's own
// Append (its locally originated entries) and a follower's Append of
// entries it just matched from the leader. Only on completion does
// lastStored advance; an I/O error on the leader's own append steps it
// down, per §7's propagation policy.
func (r *Raft) onAppendComplete(lastIndex uint64) func(error) {
	return func(err error) {
		r.pendingIO--
		defer r.maybeFinishClose()
		if err != nil {
			r.setErr("append of entries up to index %d failed: %v", lastIndex, err)
			if r.closing {
				r.noteCloseErr(err)
			}
			if r.state == Leader {
				r.becomeFollower(r.currentTerm, raftpb.NoServer)
			}
			return
		}
		if lastIndex > r.lastStored {
			r.lastStored = lastIndex
		}
		r.maybeAdvanceCommit()
		r.applyCommitted()
	}
}

// replicateAll is called once per tick while leader: for every
// follower, it either advances a pending snapshot transition or sends
// whatever AppendEntries its replication state calls for.
func (r *Raft) replicateAll(nowMS int64) {
	snapLast := r.log.snapshot.LastIndex
	for id, pr := range r.progress {
		if pr.needsSnapshot(snapLast) {
			r.startSnapshotSend(id, pr)
			continue
		}
		if pr.State == Snapshot {
			continue
		}
		switch pr.State {
		case Probe:
			if nowMS-pr.LastSendMS >= int64(r.cfg.HeartbeatTimeoutMS) {
				r.leaderSendTo(id, pr, nowMS, 1)
			}
		case Pipeline:
			if pr.NextIndex <= r.log.lastIndex() {
				r.leaderSendTo(id, pr, nowMS, r.cfg.MaxEntriesPerAppend)
			} else if nowMS-pr.LastSendMS >= int64(r.cfg.HeartbeatTimeoutMS) {
				r.leaderSendTo(id, pr, nowMS, 0)
			}
		}
	}
}

// leaderSendTo builds and sends an AppendEntries to one follower,
// carrying up to maxEntries new entries (0 means a heartbeat).
func (r *Raft) leaderSendTo(id raftpb.ServerID, pr *Progress, nowMS int64, maxEntries int) {
	prevIndex := pr.NextIndex - 1
	prevTerm, ok := r.log.termOf(prevIndex)
	if !ok {
		// the entry this follower needs has been compacted away since
		// the tick started; fall back to snapshot on the next pass.
		return
	}

	var entries []raftpb.Entry
	last := r.log.lastIndex()
	for i := 0; i < maxEntries && pr.NextIndex+uint64(len(entries)) <= last; i++ {
		e, ok := r.log.get(pr.NextIndex + uint64(len(entries)))
		if !ok {
			break
		}
		entries = append(entries, e)
		_ = r.log.acquire(e.Index)
	}

	msg := raftpb.Message{
		Type:          raftpb.MessageAppendEntries,
		SenderID:      r.id,
		SenderAddress: r.address,
		Term:          r.currentTerm,
		PrevLogIndex:  prevIndex,
		PrevLogTerm:   prevTerm,
		Entries:       entries,
		LeaderCommit:  r.commitIndex,
	}
	acquired := entries
	r.pendingIO++
	r.cfg.IO.Send(id, msg, func(err error) {
		r.pendingIO--
		for _, e := range acquired {
			r.log.release(e.Term, e.Index)
		}
		if err != nil {
			r.logger.Warningf("AppendEntries to %x failed: %v", id, err)
		}
		r.maybeFinishClose()
	})
	pr.LastSendMS = nowMS
}

// handleAppendEntries is the follower side of replication (§4.5). The
// term rule has already run in rpc.go's dispatch.
func (r *Raft) handleAppendEntries(msg raftpb.Message) {
	r.becomeFollower(r.currentTerm, msg.SenderID)
	r.lastLeaderContactMS = r.cfg.IO.Time()
	r.leaderID = msg.SenderID

	if msg.PrevLogIndex > 0 {
		t, ok := r.log.termOf(msg.PrevLogIndex)
		if !ok || t != msg.PrevLogTerm {
			r.sendMessage(raftpb.Message{
				Type:       raftpb.MessageAppendEntriesResult,
				Success:    false,
				RejectHint: r.log.lastIndex(),
			}, msg.SenderID)
			return
		}
	}

	conflict := len(msg.Entries)
	for i, e := range msg.Entries {
		t, ok := r.log.termOf(e.Index)
		if !ok || t != e.Term {
			conflict = i
			break
		}
	}
	if conflict < len(msg.Entries) {
		fresh := msg.Entries[conflict:]
		r.log.truncateFrom(fresh[0].Index)
		if err := r.cfg.IO.Truncate(fresh[0].Index); err != nil {
			r.setErr("truncating conflicting entries: %v", err)
			return
		}
		if err := r.log.loadBatch(fresh); err != nil {
			r.setErr("appending replicated entries: %v", err)
			return
		}
		r.pendingIO++
		r.cfg.IO.Append(fresh, r.onAppendComplete(fresh[len(fresh)-1].Index))
		r.recomputeConfigurationFromLog()
		// Anything this server had queued past the truncation point
		// (e.g. from a prior term as leader) is gone for good.
		r.failPendingFrom(fresh[0].Index, ErrLeadershipLost)
	}

	lastNewIndex := msg.PrevLogIndex + uint64(len(msg.Entries))
	newCommit := minUint64(msg.LeaderCommit, lastNewIndex)
	newCommit = minUint64(newCommit, r.lastStored)
	if newCommit > r.commitIndex {
		r.commitIndex = newCommit
		r.applyCommitted()
	}

	r.sendMessage(raftpb.Message{
		Type:       raftpb.MessageAppendEntriesResult,
		Success:    true,
		MatchIndex: lastNewIndex,
	}, msg.SenderID)
}

// handleAppendEntriesResult updates the sender's Progress, possibly
// transitioning Probe -> Pipeline or decreasing next_index on
// rejection, then tries to advance commit_index.
func (r *Raft) handleAppendEntriesResult(msg raftpb.Message) {
	if r.state != Leader {
		return
	}
	pr, ok := r.progress[msg.SenderID]
	if !ok {
		return
	}
	pr.RecentRecv = true

	if !msg.Success {
		// NextIndex only moves on acks, so NextIndex-1 is the
		// PrevLogIndex of the AppendEntries the follower rejected.
		if pr.maybeDecrease(pr.NextIndex-1, msg.RejectHint) {
			r.leaderSendTo(msg.SenderID, pr, r.cfg.IO.Time(), 1)
		}
		return
	}

	if pr.maybeUpdate(msg.MatchIndex) {
		r.maybeAdvanceCommit()
		r.maybeAdvancePromotion(msg.SenderID, pr)
	}
}

// maybeAdvanceCommit implements Raft's commit-only-own-term rule: the
// highest N for which a majority of voters (including self) have
// match_index >= N, and whose entry was appended in the current term.
func (r *Raft) maybeAdvanceCommit() {
	if r.state != Leader {
		return
	}
	voters := r.effectiveConfig().Voters()
	if len(voters) == 0 {
		return
	}
	matches := make([]uint64, 0, len(voters))
	for _, id := range voters {
		if id == r.id {
			matches = append(matches, r.log.lastIndex())
			continue
		}
		if pr, ok := r.progress[id]; ok {
			matches = append(matches, pr.MatchIndex)
		} else {
			matches = append(matches, 0)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] < matches[j] })
	n := matches[len(matches)-r.quorum()]
	if n <= r.commitIndex {
		return
	}
	if term, ok := r.log.termOf(n); !ok || term != r.currentTerm {
		return
	}
	r.commitIndex = n
	r.applyCommitted()
}
