package raft

import "github.com/coreraft/raft/raftpb"

// resetElectionTimer picks a fresh randomized deadline in
// [ElectionTimeoutMS, 2*ElectionTimeoutMS) from now.
func (r *Raft) resetElectionTimer(nowMS int64) {
	span := r.cfg.IO.Random(r.cfg.ElectionTimeoutMS, 2*r.cfg.ElectionTimeoutMS)
	r.electionDeadlineMS = nowMS + int64(span)
}

// becomeFollower transitions to Follower for the given term, recording
// the known leader (which may be raftpb.NoServer if none is known yet).
func (r *Raft) becomeFollower(term uint64, leaderID raftpb.ServerID) {
	r.state = Follower
	r.currentTerm = term
	r.leaderID = leaderID
	r.transfer = nil
	r.promotion = nil
	now := r.cfg.IO.Time()
	if leaderID != raftpb.NoServer {
		r.lastLeaderContactMS = now
	}
	r.resetElectionTimer(now)
	r.logger.Infof("%x became follower at term %d (leader=%x)", r.id, term, leaderID)
}

// becomeCandidate transitions to Candidate and counts its own vote in
// votesReceived. Incrementing the term, setting votedFor and persisting
// both are the caller's responsibility (startElection does all of it).
func (r *Raft) becomeCandidate() {
	r.state = Candidate
	r.leaderID = raftpb.NoServer
	r.votesReceived = map[raftpb.ServerID]bool{r.id: true}
	r.resetElectionTimer(r.cfg.IO.Time())
}

// becomeLeader transitions to Leader: every follower's progress is
// reset to Probe with an optimistic NextIndex, per §4.3.
func (r *Raft) becomeLeader() {
	r.state = Leader
	r.leaderID = r.id
	r.transfer = nil
	r.promotion = nil

	last := r.log.lastIndex()
	r.progress = make(map[raftpb.ServerID]*Progress)
	for _, id := range r.effectiveConfig().ReplicationTargets() {
		if id == r.id {
			continue
		}
		r.progress[id] = newProgress(last)
	}
	// A barrier entry at the start of a new term establishes a known
	// committed point in the leader's own term, which the commit-only-
	// own-term rule otherwise delays until the first client write.
	entry, err := r.log.append(r.currentTerm, raftpb.EntryBarrier, nil)
	if err == nil {
		r.cfg.IO.Append([]raftpb.Entry{entry}, r.onAppendComplete(entry.Index))
		r.pendingIO++
	}
	r.logger.Infof("%x became leader at term %d", r.id, r.currentTerm)
}

// startElection begins a new campaign: term++, vote for self, persist
// both durably, then broadcast RequestVote. disruptLeader is true only
// when triggered by a received TimeoutNow (leadership transfer target).
func (r *Raft) startElection(disruptLeader bool) {
	r.currentTerm++
	r.votedFor = r.id
	r.becomeCandidate()

	if err := r.cfg.IO.SetTerm(r.currentTerm); err != nil {
		r.setErr("persisting term during election start: %v", err)
		return
	}
	if err := r.cfg.IO.SetVote(r.id); err != nil {
		r.setErr("persisting vote during election start: %v", err)
		return
	}

	lastIndex := r.log.lastIndex()
	lastTerm, _ := r.log.termOf(lastIndex)

	if r.quorum() == 1 {
		r.becomeLeader()
		return
	}

	for _, id := range r.effectiveConfig().Voters() {
		if id == r.id {
			continue
		}
		r.sendMessage(raftpb.Message{
			Type:          raftpb.MessageRequestVote,
			Term:          r.currentTerm,
			LastLogIndex:  lastIndex,
			LastLogTerm:   lastTerm,
			DisruptLeader: disruptLeader,
		}, id)
	}
}

// handleRequestVote implements vote granting (§4.4). The term rule
// (adopt higher term, reject lower) is applied by the caller (rpc.go)
// before this runs.
func (r *Raft) handleRequestVote(msg raftpb.Message) {
	grant := false
	switch {
	case r.votedFor != raftpb.NoServer && r.votedFor != msg.SenderID:
		// already voted for someone else this term
	case !msg.DisruptLeader && r.hasRecentLeaderContact():
		// a reachable leader exists; refuse disruption (§4.4 point 4)
	case !r.candidateLogUpToDate(msg.LastLogIndex, msg.LastLogTerm):
		// candidate's log is behind ours
	default:
		grant = true
	}

	if grant {
		r.votedFor = msg.SenderID
		if err := r.cfg.IO.SetVote(msg.SenderID); err != nil {
			r.setErr("persisting vote: %v", err)
			grant = false
		}
	}

	r.sendMessage(raftpb.Message{
		Type:        raftpb.MessageRequestVoteResult,
		Term:        r.currentTerm,
		VoteGranted: grant,
	}, msg.SenderID)
}

func (r *Raft) hasRecentLeaderContact() bool {
	if r.leaderID == raftpb.NoServer {
		return false
	}
	return r.cfg.IO.Time()-r.lastLeaderContactMS < int64(r.cfg.ElectionTimeoutMS)
}

// candidateLogUpToDate implements the "at least as up-to-date" test:
// greater last term wins outright; on a tie, the longer (or equal)
// log wins.
func (r *Raft) candidateLogUpToDate(lastIndex, lastTerm uint64) bool {
	myLastIndex := r.log.lastIndex()
	myLastTerm, _ := r.log.termOf(myLastIndex)
	if lastTerm != myLastTerm {
		return lastTerm > myLastTerm
	}
	return lastIndex >= myLastIndex
}

// handleRequestVoteResult counts a vote and, once a majority is in,
// becomes leader. A majority of rejections simply lets the election
// timeout run out and a fresh campaign start.
func (r *Raft) handleRequestVoteResult(msg raftpb.Message) {
	if r.state != Candidate || msg.Term != r.currentTerm {
		return
	}
	r.votesReceived[msg.SenderID] = msg.VoteGranted

	granted := 0
	for _, g := range r.votesReceived {
		if g {
			granted++
		}
	}
	if granted >= r.quorum() {
		r.becomeLeader()
	}
}

// TransferLeadership asks a caught-up voter to take over immediately.
// While a transfer is pending the leader refuses new client requests.
func (r *Raft) TransferLeadership(target raftpb.ServerID) error {
	if r.state != Leader {
		return ErrNotLeader
	}
	srv, ok := r.effectiveConfig().Get(target)
	if !ok || srv.Role != raftpb.Voter {
		return ErrInvalidParameter
	}
	pr, ok := r.progress[target]
	if !ok || pr.MatchIndex != r.log.lastIndex() {
		return ErrBusy
	}
	now := r.cfg.IO.Time()
	r.transfer = &transferState{target: target, deadlineMS: now + int64(r.cfg.ElectionTimeoutMS)}
	r.sendMessage(raftpb.Message{Type: raftpb.MessageTimeoutNow, Term: r.currentTerm}, target)
	return nil
}

// handleTimeoutNow makes the target of a leadership transfer start a
// disruptive campaign immediately, bypassing its election timer.
func (r *Raft) handleTimeoutNow(msg raftpb.Message) {
	r.startElection(true)
}

func (r *Raft) stopTransfer() { r.transfer = nil }

// checkElectionTimer is invoked on every tick for Follower/Candidate.
func (r *Raft) checkElectionTimer(nowMS int64) {
	if nowMS < r.electionDeadlineMS {
		return
	}
	r.startElection(false)
}
