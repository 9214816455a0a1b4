package raft

import "github.com/coreraft/raft/raftpb"

// sendMessage stamps a message with this server's identity and hands
// it to the I/O capability. The entry-carrying variants (AppendEntries,
// InstallSnapshot) are expected to have already had their entries
// acquire()'d by the caller.
func (r *Raft) sendMessage(msg raftpb.Message, to raftpb.ServerID) {
	msg.SenderID = r.id
	msg.SenderAddress = r.address
	if msg.Term == 0 {
		msg.Term = r.currentTerm
	}
	srv, ok := r.effectiveConfig().Get(to)
	addr := ""
	if ok {
		addr = srv.Address
	}
	_ = addr // the I/O capability resolves delivery by id; address is informational
	r.pendingIO++
	r.cfg.IO.Send(to, msg, func(err error) {
		r.pendingIO--
		if err != nil {
			// a recoverable network error never steps the leader down;
			// the affected follower's progress simply stays where it is
			// and is retried on the next tick or heartbeat.
			r.logger.Warningf("send to %x failed: %v", to, err)
			if r.closing {
				r.noteCloseErr(err)
			}
		}
		r.maybeFinishClose()
	})
}

// handleMessage is the recv callback the I/O capability invokes for
// every incoming RPC. It applies the term rule from §4.6 before
// dispatching by tag.
func (r *Raft) handleMessage(msg raftpb.Message) {
	if r.closing {
		return
	}

	if msg.Term > r.currentTerm {
		r.currentTerm = msg.Term
		r.votedFor = raftpb.NoServer
		if err := r.cfg.IO.SetTerm(msg.Term); err != nil {
			r.setErr("persisting higher term: %v", err)
			return
		}
		leaderID := raftpb.NoServer
		if msg.Type == raftpb.MessageAppendEntries || msg.Type == raftpb.MessageInstallSnapshot {
			leaderID = msg.SenderID
		}
		r.becomeFollower(msg.Term, leaderID)
	} else if msg.Term < r.currentTerm && msg.Term != 0 {
		r.rejectStaleTerm(msg)
		return
	}

	switch msg.Type {
	case raftpb.MessageRequestVote:
		r.handleRequestVote(msg)
	case raftpb.MessageRequestVoteResult:
		r.handleRequestVoteResult(msg)
	case raftpb.MessageAppendEntries:
		r.handleAppendEntries(msg)
	case raftpb.MessageAppendEntriesResult:
		r.handleAppendEntriesResult(msg)
	case raftpb.MessageInstallSnapshot:
		r.handleInstallSnapshot(msg)
	case raftpb.MessageInstallSnapshotResult:
		r.handleInstallSnapshotResult(msg)
	case raftpb.MessageTimeoutNow:
		r.handleTimeoutNow(msg)
	default:
		r.setErr("received malformed message type %v from %x", msg.Type, msg.SenderID)
	}
}

// rejectStaleTerm replies with the current term so the stale sender
// can catch up, without taking any other action.
func (r *Raft) rejectStaleTerm(msg raftpb.Message) {
	switch msg.Type {
	case raftpb.MessageRequestVote:
		r.sendMessage(raftpb.Message{Type: raftpb.MessageRequestVoteResult, VoteGranted: false}, msg.SenderID)
	case raftpb.MessageAppendEntries:
		r.sendMessage(raftpb.Message{
			Type:       raftpb.MessageAppendEntriesResult,
			Success:    false,
			RejectHint: r.log.lastIndex(),
		}, msg.SenderID)
	case raftpb.MessageInstallSnapshot:
		r.sendMessage(raftpb.Message{Type: raftpb.MessageInstallSnapshotResult, Success: false}, msg.SenderID)
	}
}
