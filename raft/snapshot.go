package raft

import "github.com/coreraft/raft/raftpb"

// startLocalSnapshot asks the FSM for a point-in-time snapshot of
// everything applied so far and hands it to the I/O capability to
// persist, retaining a trailing window of log entries so that a
// moderately lagging follower can still be brought up to date by
// AppendEntries rather than a full InstallSnapshot.
func (r *Raft) startLocalSnapshot() {
	chunks, err := r.cfg.FSM.Snapshot()
	if err != nil {
		r.setErr("taking snapshot: %v", err)
		return
	}
	var size int
	for _, c := range chunks {
		size += len(c)
	}
	data := make([]byte, 0, size)
	for _, c := range chunks {
		data = append(data, c...)
	}

	lastTerm, _ := r.log.termOf(r.lastApplied)
	meta := raftpb.SnapshotMetadata{
		LastIndex:   r.lastApplied,
		LastTerm:    lastTerm,
		ConfIndex:   r.committedConfigIndex,
		ConfEntries: r.committedConfig.Servers(),
	}
	snap := raftpb.Snapshot{Metadata: meta, Data: data}

	r.snapshotting = true
	r.pendingIO++
	r.cfg.IO.SnapshotPut(uint64(r.cfg.SnapshotTrailing), snap, func(err error) {
		r.pendingIO--
		r.snapshotting = false
		defer r.maybeFinishClose()
		if err != nil {
			r.setErr("persisting snapshot: %v", err)
			return
		}
		keepFrom := uint64(0)
		if meta.LastIndex+1 > uint64(r.cfg.SnapshotTrailing) {
			keepFrom = meta.LastIndex + 1 - uint64(r.cfg.SnapshotTrailing)
		}
		r.log.compactTo(keepFrom, meta)
	})
}

// startSnapshotSend moves a far-behind follower's Progress into the
// Snapshot state and streams it the most recently persisted snapshot
// in a single InstallSnapshot RPC.
func (r *Raft) startSnapshotSend(id raftpb.ServerID, pr *Progress) {
	if pr.State == Snapshot {
		return
	}
	r.pendingIO++
	r.cfg.IO.SnapshotGet(func(snap raftpb.Snapshot, err error) {
		r.pendingIO--
		defer r.maybeFinishClose()
		if err != nil {
			r.logger.Warningf("reading snapshot to send to %x: %v", id, err)
			return
		}
		pr.becomeSnapshot(snap.Metadata.LastIndex)
		r.pendingIO++
		r.cfg.IO.Send(id, raftpb.Message{
			Type:          raftpb.MessageInstallSnapshot,
			SenderID:      r.id,
			SenderAddress: r.address,
			Term:          r.currentTerm,
			Snapshot:      snap,
		}, func(err error) {
			r.pendingIO--
			if err != nil {
				r.logger.Warningf("InstallSnapshot to %x failed: %v", id, err)
			}
			r.maybeFinishClose()
		})
	})
}

// handleInstallSnapshot is the follower side: the whole FSM state is
// replaced and the log is reset to start just after the snapshot.
func (r *Raft) handleInstallSnapshot(msg raftpb.Message) {
	r.becomeFollower(r.currentTerm, msg.SenderID)
	r.lastLeaderContactMS = r.cfg.IO.Time()
	r.leaderID = msg.SenderID

	if msg.Snapshot.Metadata.LastIndex <= r.commitIndex {
		r.sendMessage(raftpb.Message{
			Type:       raftpb.MessageInstallSnapshotResult,
			Success:    true,
			MatchIndex: r.lastApplied,
		}, msg.SenderID)
		return
	}

	if err := r.cfg.FSM.Restore(msg.Snapshot.Data); err != nil {
		r.setErr("restoring snapshot from %x: %v", msg.SenderID, err)
		r.sendMessage(raftpb.Message{Type: raftpb.MessageInstallSnapshotResult, Success: false}, msg.SenderID)
		return
	}

	r.pendingIO++
	r.cfg.IO.SnapshotPut(uint64(r.cfg.SnapshotTrailing), msg.Snapshot, func(err error) {
		r.pendingIO--
		defer r.maybeFinishClose()
		if err != nil {
			r.setErr("persisting received snapshot: %v", err)
			return
		}
		r.log.installSnapshot(msg.Snapshot.Metadata)

		cfg, cerr := DecodeConfiguration(mustEncodeServers(msg.Snapshot.Metadata.ConfEntries))
		if cerr == nil {
			r.committedConfig = cfg
			r.committedConfigIndex = msg.Snapshot.Metadata.ConfIndex
			r.pendingConfig = nil
			r.pendingConfigIndex = 0
		}

		r.commitIndex = msg.Snapshot.Metadata.LastIndex
		r.lastApplied = msg.Snapshot.Metadata.LastIndex
		r.lastStored = msg.Snapshot.Metadata.LastIndex
		r.failPendingFrom(0, ErrLeadershipLost)

		r.sendMessage(raftpb.Message{
			Type:       raftpb.MessageInstallSnapshotResult,
			Success:    true,
			MatchIndex: msg.Snapshot.Metadata.LastIndex,
		}, msg.SenderID)
	})
}

// handleInstallSnapshotResult advances the sender's Progress out of
// the Snapshot state once the follower confirms it landed.
func (r *Raft) handleInstallSnapshotResult(msg raftpb.Message) {
	if r.state != Leader {
		return
	}
	pr, ok := r.progress[msg.SenderID]
	if !ok || pr.State != Snapshot {
		return
	}
	if !msg.Success {
		pr.becomeProbe()
		return
	}
	pr.maybeUpdate(pr.SnapshotIndex)
	pr.becomeProbe()
}
