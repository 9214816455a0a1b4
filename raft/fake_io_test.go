package raft

import (
	"github.com/coreraft/raft/raftpb"
)

// sentMessage records one fakeIO.Send call, for tests asserting what a
// leader broadcast.
type sentMessage struct {
	to  raftpb.ServerID
	msg raftpb.Message
}

// fakeIO is a synchronous raft.IO double: every callback fires inline,
// before the triggering method returns, so tests never need a real
// clock or goroutines to observe a completion. This mirrors the
// mock-networking style of a hand-rolled in-memory transport rather
// than pulling in a mocking framework for a handful of methods.
type fakeIO struct {
	id      raftpb.ServerID
	address string

	term     uint64
	votedFor raftpb.ServerID
	entries  []raftpb.Entry
	snapshot *raftpb.Snapshot

	nowMS int64
	sent  []sentMessage

	tickCB func(nowMS int64)
	recvCB func(raftpb.Message)

	closed bool
}

func newFakeIO() *fakeIO {
	return &fakeIO{}
}

func (f *fakeIO) Init(id raftpb.ServerID, address string) error {
	f.id = id
	f.address = address
	return nil
}

func (f *fakeIO) Load() (LoadResult, error) {
	res := LoadResult{Term: f.term, VotedFor: f.votedFor, Entries: append([]raftpb.Entry(nil), f.entries...)}
	if f.snapshot != nil {
		snap := *f.snapshot
		res.Snapshot = &snap
		res.StartIndex = snap.Metadata.LastIndex
	}
	return res, nil
}

func (f *fakeIO) Start(tickMS int, tickCB func(nowMS int64), recvCB func(raftpb.Message)) error {
	f.tickCB = tickCB
	f.recvCB = recvCB
	return nil
}

func (f *fakeIO) Bootstrap(servers []raftpb.Server) error {
	data, err := raftpb.EncodeServers(servers)
	if err != nil {
		return err
	}
	f.entries = []raftpb.Entry{{Term: 1, Index: 1, Type: raftpb.EntryConfigChange, Data: data}}
	f.term = 1
	return nil
}

func (f *fakeIO) Recover(servers []raftpb.Server) error {
	data, err := raftpb.EncodeServers(servers)
	if err != nil {
		return err
	}
	nextIndex := uint64(len(f.entries) + 1)
	f.entries = append(f.entries, raftpb.Entry{Term: f.term, Index: nextIndex, Type: raftpb.EntryConfigChange, Data: data})
	return nil
}

func (f *fakeIO) SetTerm(term uint64) error {
	f.term = term
	return nil
}

func (f *fakeIO) SetVote(id raftpb.ServerID) error {
	f.votedFor = id
	return nil
}

func (f *fakeIO) Send(to raftpb.ServerID, msg raftpb.Message, cb func(err error)) {
	f.sent = append(f.sent, sentMessage{to: to, msg: msg})
	cb(nil)
}

func (f *fakeIO) Append(entries []raftpb.Entry, cb func(err error)) {
	f.entries = append(f.entries, entries...)
	cb(nil)
}

func (f *fakeIO) Truncate(index uint64) error {
	kept := f.entries[:0]
	for _, e := range f.entries {
		if e.Index < index {
			kept = append(kept, e)
		}
	}
	f.entries = kept
	return nil
}

func (f *fakeIO) SnapshotPut(trailing uint64, snap raftpb.Snapshot, cb func(err error)) {
	f.snapshot = &snap
	cb(nil)
}

func (f *fakeIO) SnapshotGet(cb func(snap raftpb.Snapshot, err error)) {
	if f.snapshot == nil {
		cb(raftpb.Snapshot{}, ErrNotFound)
		return
	}
	cb(*f.snapshot, nil)
}

func (f *fakeIO) Time() int64 { return f.nowMS }

func (f *fakeIO) Random(min, max int) int {
	if max <= min {
		return min
	}
	return min
}

func (f *fakeIO) Close(cb func()) {
	f.closed = true
	cb()
}

// fakeFSM is a trivial FSM double that records every applied command
// verbatim, for tests asserting apply order and payload.
type fakeFSM struct {
	applied  [][]byte
	restored []byte
}

func (f *fakeFSM) Apply(data []byte) (interface{}, error) {
	f.applied = append(f.applied, data)
	return len(f.applied), nil
}

func (f *fakeFSM) Snapshot() ([][]byte, error) {
	out := make([][]byte, len(f.applied))
	copy(out, f.applied)
	return out, nil
}

func (f *fakeFSM) Restore(data []byte) error {
	f.restored = data
	return nil
}
