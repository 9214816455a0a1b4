package raft

import "github.com/coreraft/raft/raftpb"

// LoadResult is the synchronous result of IO.Load, read once at
// startup before any other capability call is made.
type LoadResult struct {
	Term       uint64
	VotedFor   raftpb.ServerID
	Snapshot   *raftpb.Snapshot
	StartIndex uint64
	Entries    []raftpb.Entry
}

// IO is the capability the engine consumes for everything that would
// otherwise block: disk, network, the clock, and randomness. Every
// method either returns synchronously and fast, or accepts a callback
// and is expected to complete later on the same logical executor that
// drives ticks and message receipt: the tick callback, the receive
// callback and these completion callbacks never run concurrently.
//
// Per-destination send order and append order are guaranteed by the
// implementation, not by the engine.
type IO interface {
	// Init is called once, before Load, to let the implementation bind
	// to its identity and listening address.
	Init(id raftpb.ServerID, address string) error

	// Load is synchronous and is invoked exactly once, before Start.
	Load() (LoadResult, error)

	// Start begins the tick and receive callbacks. tickMS is the
	// caller-chosen cadence; tickCB is invoked with the current time
	// in milliseconds on every tick, recvCB whenever a Message arrives.
	Start(tickMS int, tickCB func(nowMS int64), recvCB func(raftpb.Message)) error

	// Bootstrap and Recover are synchronous durable writes performed
	// before Start, to seed a brand-new cluster or recover one whose
	// configuration is already known.
	Bootstrap(servers []raftpb.Server) error
	Recover(servers []raftpb.Server) error

	// SetTerm and SetVote are synchronous durable writes: the engine
	// never sends an RPC reply that depends on a term or vote change
	// until the write they're attached to has returned.
	SetTerm(term uint64) error
	SetVote(id raftpb.ServerID) error

	// Send, Append, SnapshotPut and SnapshotGet are asynchronous;
	// completion is signaled through cb. Truncate is a synchronous
	// local operation (dropping a log suffix never needs to be
	// durable before replying to anything).
	Send(to raftpb.ServerID, msg raftpb.Message, cb func(err error))
	Append(entries []raftpb.Entry, cb func(err error))
	Truncate(index uint64) error
	SnapshotPut(trailing uint64, snap raftpb.Snapshot, cb func(err error))
	SnapshotGet(cb func(snap raftpb.Snapshot, err error))

	// Time returns milliseconds since an arbitrary epoch.
	Time() int64
	// Random returns a pseudo-random integer in [min, max).
	Random(min, max int) int

	// Close asks the implementation to release its resources. cb is
	// invoked once that is done.
	Close(cb func())
}
