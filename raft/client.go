package raft

import (
	"github.com/google/uuid"

	"github.com/coreraft/raft/raftpb"
)

type requestKind uint8

const (
	reqApply requestKind = iota + 1
	reqBarrier
	reqChange
)

// clientRequest is a pending apply/barrier/change request: C8 in the
// component breakdown. It completes once the application loop reaches
// its endIndex, or earlier with ErrLeadershipLost if its entries are
// truncated away by a new leader.
type clientRequest struct {
	// id uniquely identifies this request across the append, commit and
	// apply of its entries, which happen in separate call stacks. The
	// engine's own log lines do not include it.
	id         uuid.UUID
	kind       requestKind
	startIndex uint64
	endIndex   uint64
	results    []interface{}
	applyCB    func(results []interface{}, err error)
	changeCB   func(err error)
}

// Apply enqueues one or more Command entries as consecutive log
// entries. cb fires once every entry has been applied, carrying the
// FSM's per-entry results in order.
func (r *Raft) Apply(bufs [][]byte, cb func(results []interface{}, err error)) error {
	if err := r.checkAcceptingRequests(); err != nil {
		return err
	}
	if len(bufs) == 0 {
		return ErrInvalidParameter
	}
	start := r.log.nextIndex()
	entries := make([]raftpb.Entry, 0, len(bufs))
	for _, b := range bufs {
		e, err := r.log.append(r.currentTerm, raftpb.EntryCommand, b)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}
	end := entries[len(entries)-1].Index

	req := &clientRequest{id: uuid.New(), kind: reqApply, startIndex: start, endIndex: end, results: make([]interface{}, len(entries)), applyCB: cb}
	r.applyQueue = append(r.applyQueue, req)

	r.pendingIO++
	r.cfg.IO.Append(entries, r.onAppendComplete(end))
	return nil
}

// Barrier enqueues a single Barrier entry; cb fires once it has been
// applied, meaning every earlier command is now reflected in the FSM.
func (r *Raft) Barrier(cb func(err error)) error {
	if err := r.checkAcceptingRequests(); err != nil {
		return err
	}
	e, err := r.log.append(r.currentTerm, raftpb.EntryBarrier, nil)
	if err != nil {
		return err
	}
	req := &clientRequest{id: uuid.New(), kind: reqBarrier, startIndex: e.Index, endIndex: e.Index, applyCB: func(_ []interface{}, err error) { cb(err) }}
	r.applyQueue = append(r.applyQueue, req)

	r.pendingIO++
	r.cfg.IO.Append([]raftpb.Entry{e}, r.onAppendComplete(e.Index))
	return nil
}

func (r *Raft) checkAcceptingRequests() error {
	if r.closing {
		return ErrShutdown
	}
	if r.state != Leader {
		return ErrNotLeader
	}
	if r.transfer != nil {
		return ErrNotLeader
	}
	return nil
}

// proposeConfigChange is the shared path for add/promote/demote/remove:
// it validates there is no change already pending, builds the new
// configuration, and appends it as an EntryConfigChange.
func (r *Raft) proposeConfigChange(newCfg *Configuration, cb func(error)) error {
	if err := r.checkAcceptingRequests(); err != nil {
		return err
	}
	if r.pendingConfig != nil {
		return ErrCannotChange
	}
	data, err := newCfg.Encode()
	if err != nil {
		return err
	}
	e, err := r.log.append(r.currentTerm, raftpb.EntryConfigChange, data)
	if err != nil {
		return err
	}
	r.pendingConfig = newCfg
	r.pendingConfigIndex = e.Index

	req := &clientRequest{id: uuid.New(), kind: reqChange, startIndex: e.Index, endIndex: e.Index, changeCB: cb}
	r.applyQueue = append(r.applyQueue, req)

	// a newly elected leader's added/removed follower needs Progress
	// tracking from this point on, even before the change commits —
	// single-server changes take effect optimistically (§4.1/§4.5).
	r.syncProgressToConfig(newCfg)

	r.pendingIO++
	r.cfg.IO.Append([]raftpb.Entry{e}, r.onAppendComplete(e.Index))
	return nil
}

func (r *Raft) syncProgressToConfig(cfg *Configuration) {
	for _, id := range cfg.ReplicationTargets() {
		if id == r.id {
			continue
		}
		if _, ok := r.progress[id]; !ok {
			r.progress[id] = newProgress(r.log.lastIndex())
		}
	}
}

// AddServer admits a new member with the given role (Voter, Standby or
// Idle).
func (r *Raft) AddServer(id raftpb.ServerID, address string, role raftpb.Role, cb func(error)) error {
	if !role.Valid() {
		return ErrBadRole
	}
	cfg := r.effectiveConfig().Clone()
	if err := cfg.Add(id, address, role); err != nil {
		return err
	}
	return r.proposeConfigChange(cfg, cb)
}

// RemoveServer drops a member. It refuses to remove the last voter.
func (r *Raft) RemoveServer(id raftpb.ServerID, cb func(error)) error {
	cfg := r.effectiveConfig().Clone()
	srv, ok := cfg.Get(id)
	if !ok {
		return ErrNotFound
	}
	if srv.Role == raftpb.Voter && cfg.VoterCount() <= 1 {
		return ErrInvalidParameter
	}
	cfg.Remove(id)
	return r.proposeConfigChange(cfg, cb)
}

// DemoteServer changes a member's role away from Voter.
func (r *Raft) DemoteServer(id raftpb.ServerID, role raftpb.Role, cb func(error)) error {
	if role == raftpb.Voter || !role.Valid() {
		return ErrBadRole
	}
	cfg := r.effectiveConfig().Clone()
	srv, ok := cfg.Get(id)
	if !ok {
		return ErrNotFound
	}
	if srv.Role == raftpb.Voter && cfg.VoterCount() <= 1 {
		return ErrInvalidParameter
	}
	cfg.Remove(id)
	if err := cfg.Add(id, srv.Address, role); err != nil {
		return err
	}
	return r.proposeConfigChange(cfg, cb)
}

// PromoteServer promotes a non-voting member to Voter. Because a
// far-behind server shouldn't immediately count toward quorum, this
// first runs a bounded sync round waiting for the promotee's
// match_index to catch up to a moving target before the ConfigChange
// entry is actually appended (§4.8). cb is invoked only once the
// change is proposed and later resolved through the usual config-
// change completion path, or with ErrBusy if the rounds run out.
func (r *Raft) PromoteServer(id raftpb.ServerID, cb func(error)) error {
	if err := r.checkAcceptingRequests(); err != nil {
		return err
	}
	if r.pendingConfig != nil || r.promotion != nil {
		return ErrCannotChange
	}
	srv, ok := r.effectiveConfig().Get(id)
	if !ok {
		return ErrNotFound
	}
	if srv.Role == raftpb.Voter {
		return ErrInvalidParameter
	}
	if _, ok := r.progress[id]; !ok {
		r.progress[id] = newProgress(r.log.lastIndex())
	}
	now := r.cfg.IO.Time()
	r.promotion = &promotionState{
		target:           id,
		round:            0,
		roundStartMS:     now,
		roundTargetIndex: r.log.lastIndex(),
	}
	r.promotionCB = cb
	return nil
}

// tryCompletePromotionRound checks whether the promotee has caught up
// to the current round's target index, advances to the next round on
// timeout, or fails the promotion with ErrBusy once rounds run out.
func (r *Raft) tryCompletePromotionRound(nowMS int64) {
	if r.promotion == nil {
		return
	}
	pr, ok := r.progress[r.promotion.target]
	if !ok {
		r.failPromotion(ErrNotFound)
		return
	}
	if pr.MatchIndex >= r.promotion.roundTargetIndex {
		target := r.promotion.target
		r.promotion = nil
		cb := r.promotionCB
		r.promotionCB = nil
		srv, _ := r.effectiveConfig().Get(target)
		cfg := r.effectiveConfig().Clone()
		cfg.Remove(target)
		_ = cfg.Add(target, srv.Address, raftpb.Voter)
		if err := r.proposeConfigChange(cfg, cb); err != nil && cb != nil {
			cb(err)
		}
		return
	}
	if nowMS-r.promotion.roundStartMS < int64(r.cfg.ElectionTimeoutMS) {
		return
	}
	r.promotion.round++
	if r.promotion.round >= r.cfg.PromotionMaxRounds {
		r.failPromotion(ErrBusy)
		return
	}
	r.promotion.roundStartMS = nowMS
	r.promotion.roundTargetIndex = r.log.lastIndex()
}

func (r *Raft) failPromotion(err error) {
	cb := r.promotionCB
	r.promotion = nil
	r.promotionCB = nil
	if cb != nil {
		cb(err)
	}
}

// applyCommitted drives entries from lastApplied+1 up to commitIndex
// into the FSM (Command), releases barrier waiters, and promotes
// configuration changes, bounded to MaxApplyBatch per call so a large
// commit jump (e.g. after a snapshot catch-up) cannot stall the event
// loop.
func (r *Raft) applyCommitted() {
	applied := 0
	for r.lastApplied < r.commitIndex && applied < r.cfg.MaxApplyBatch {
		idx := r.lastApplied + 1
		e, ok := r.log.get(idx)
		if !ok {
			break
		}
		switch e.Type {
		case raftpb.EntryCommand:
			result, err := r.cfg.FSM.Apply(e.Data)
			r.completeApply(idx, result, err)
		case raftpb.EntryBarrier:
			r.completeApply(idx, nil, nil)
		case raftpb.EntryConfigChange:
			r.commitConfigChange(idx)
		}
		r.lastApplied = idx
		applied++
	}
}

func (r *Raft) completeApply(index uint64, result interface{}, err error) {
	for len(r.applyQueue) > 0 {
		req := r.applyQueue[0]
		if req.kind == reqChange || index < req.startIndex {
			break
		}
		if index > req.endIndex {
			r.applyQueue = r.applyQueue[1:]
			continue
		}
		if req.results != nil {
			req.results[index-req.startIndex] = result
		}
		if index == req.endIndex {
			r.applyQueue = r.applyQueue[1:]
			if req.applyCB != nil {
				req.applyCB(req.results, err)
			}
		}
		return
	}
}

func (r *Raft) commitConfigChange(index uint64) {
	if r.pendingConfig == nil || r.pendingConfigIndex != index {
		r.recomputeConfigurationFromLog()
	} else {
		r.committedConfig = r.pendingConfig
		r.committedConfigIndex = r.pendingConfigIndex
		r.pendingConfig = nil
		r.pendingConfigIndex = 0
	}

	removedSelf := true
	for _, id := range r.committedConfig.Voters() {
		if id == r.id {
			removedSelf = false
		}
	}

	// Drop Progress for anyone no longer a replication target (removed
	// outright, or demoted to Idle), or replicateAll would keep sending
	// them AppendEntries forever.
	if r.state == Leader {
		keep := make(map[raftpb.ServerID]bool)
		for _, id := range r.effectiveConfig().ReplicationTargets() {
			keep[id] = true
		}
		for id := range r.progress {
			if !keep[id] {
				delete(r.progress, id)
			}
		}
	}

	for i, req := range r.applyQueue {
		if req.kind == reqChange && req.startIndex == index {
			r.applyQueue = append(r.applyQueue[:i], r.applyQueue[i+1:]...)
			if req.changeCB != nil {
				req.changeCB(nil)
			}
			break
		}
	}

	if r.state == Leader && removedSelf {
		r.becomeFollower(r.currentTerm, raftpb.NoServer)
	}
}

// failPendingFrom fails every pending request whose entries start at
// or after index, because those entries are about to be truncated away
// by a conflicting AppendEntries from a new leader.
func (r *Raft) failPendingFrom(index uint64, err error) {
	kept := r.applyQueue[:0]
	for _, req := range r.applyQueue {
		if req.startIndex >= index {
			if req.applyCB != nil {
				req.applyCB(nil, err)
			}
			if req.changeCB != nil {
				req.changeCB(err)
			}
			continue
		}
		kept = append(kept, req)
	}
	r.applyQueue = kept
	if r.pendingConfigIndex >= index {
		r.pendingConfig = nil
		r.pendingConfigIndex = 0
	}
	if r.promotion != nil {
		r.failPromotion(err)
	}
}

// failAllPending cancels every pending client request, used by Close.
func (r *Raft) failAllPending(err error) {
	r.failPendingFrom(0, err)
}

func (r *Raft) maybeAdvancePromotion(id raftpb.ServerID, pr *Progress) {
	if r.promotion == nil || r.promotion.target != id {
		return
	}
	r.tryCompletePromotionRound(r.cfg.IO.Time())
}
