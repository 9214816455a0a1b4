package diskio

import (
	"math/rand"
	"sync"
	"time"

	"github.com/coreraft/raft/raft"
	"github.com/coreraft/raft/raftpb"
)

var _ raft.IO = (*IO)(nil)

// Transport is the network half an IO delegates Send/Start/Close to.
// transporthttp.Transport is the reference implementation; anything
// satisfying this interface (an in-memory fake for tests, a gRPC
// transport, ...) can be substituted.
type Transport interface {
	// Start begins delivering ticks and inbound messages. Only one of
	// tickCB, recvCB or an IO completion callback runs at a time — the
	// Transport implementation owns that serialization.
	Start(tickMS int, tickCB func(nowMS int64), recvCB func(msg raftpb.Message)) error
	Send(to raftpb.ServerID, address string, msg raftpb.Message, cb func(error))
	Close(cb func())
}

// IO is the reference raft.IO: durable state on boltdb (see store.go),
// network delivery through a pluggable Transport, and a wall clock/PRNG
// for Time/Random.
type IO struct {
	store     *store
	transport Transport

	mu    sync.Mutex
	id    raftpb.ServerID
	peers map[raftpb.ServerID]string

	rand *rand.Rand
}

// New opens (creating if necessary) a bolt-backed store rooted at dir
// and pairs it with transport.
func New(dir string, transport Transport) (*IO, error) {
	st, err := openStore(dir)
	if err != nil {
		return nil, err
	}
	return &IO{
		store:     st,
		transport: transport,
		peers:     make(map[raftpb.ServerID]string),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (io *IO) Init(id raftpb.ServerID, address string) error {
	io.mu.Lock()
	defer io.mu.Unlock()
	io.id = id
	io.peers[id] = address
	return nil
}

func (io *IO) Load() (raft.LoadResult, error) {
	hs, snap, entries, err := io.store.load()
	if err != nil {
		return raft.LoadResult{}, err
	}
	startIndex := uint64(0)
	if snap != nil {
		startIndex = snap.Metadata.LastIndex
	}
	// The engine's log starts right after the snapshot; trailing entries
	// still on disk at or before it are not handed on.
	kept := entries[:0]
	for _, e := range entries {
		if e.Index > startIndex {
			kept = append(kept, e)
		}
	}
	entries = kept
	return raft.LoadResult{
		Term:       hs.Term,
		VotedFor:   hs.VotedFor,
		Snapshot:   snap,
		StartIndex: startIndex,
		Entries:    entries,
	}, nil
}

func (io *IO) Start(tickMS int, tickCB func(nowMS int64), recvCB func(raftpb.Message)) error {
	wrapped := func(msg raftpb.Message) {
		if msg.SenderAddress != "" {
			io.mu.Lock()
			io.peers[msg.SenderID] = msg.SenderAddress
			io.mu.Unlock()
		}
		recvCB(msg)
	}
	return io.transport.Start(tickMS, tickCB, wrapped)
}

func (io *IO) Bootstrap(servers []raftpb.Server) error {
	io.mu.Lock()
	for _, s := range servers {
		io.peers[s.ID] = s.Address
	}
	io.mu.Unlock()
	return io.store.bootstrap(servers)
}

func (io *IO) Recover(servers []raftpb.Server) error {
	hs, _, entries, err := io.store.load()
	if err != nil {
		return err
	}
	next := uint64(1)
	if len(entries) > 0 {
		next = entries[len(entries)-1].Index + 1
	}
	io.mu.Lock()
	for _, s := range servers {
		io.peers[s.ID] = s.Address
	}
	io.mu.Unlock()
	return io.store.recover(servers, next, hs.Term)
}

func (io *IO) SetTerm(term uint64) error { return io.store.setTerm(term) }
func (io *IO) SetVote(id raftpb.ServerID) error { return io.store.setVote(id) }

func (io *IO) Send(to raftpb.ServerID, msg raftpb.Message, cb func(error)) {
	io.mu.Lock()
	addr := io.peers[to]
	io.mu.Unlock()
	io.transport.Send(to, addr, msg, cb)
}

func (io *IO) Append(entries []raftpb.Entry, cb func(error)) {
	cb(io.store.appendEntries(entries))
}

func (io *IO) Truncate(index uint64) error { return io.store.truncate(index) }

func (io *IO) SnapshotPut(trailing uint64, snap raftpb.Snapshot, cb func(error)) {
	cb(io.store.putSnapshot(snap, trailing))
}

func (io *IO) SnapshotGet(cb func(raftpb.Snapshot, error)) {
	snap, err := io.store.getSnapshot()
	cb(snap, err)
}

func (io *IO) Time() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

func (io *IO) Random(min, max int) int {
	if max <= min {
		return min
	}
	return min + io.rand.Intn(max-min)
}

func (io *IO) Close(cb func()) {
	io.transport.Close(func() {
		io.store.close()
		cb()
	})
}
