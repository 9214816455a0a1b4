// Package raft implements the core consensus engine described in the
// surrounding specification: a single-server state object that, driven
// by ticks, RPCs and I/O completions, provides a replicated log over a
// user FSM. It is not thread-safe and expects a single cooperative
// driver — see io.go's doc comment for the three entry points that are
// guaranteed mutually exclusive.
package raft

import (
	"go.uber.org/multierr"

	"github.com/coreraft/raft/raftpb"
	"github.com/coreraft/raft/xlog"
)

// State is the server's Raft role.
type State uint8

const (
	Follower State = iota + 1
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// transferState tracks an in-progress leadership transfer (§4.4).
type transferState struct {
	target     raftpb.ServerID
	deadlineMS int64
}

// promotionState tracks a promotion sync round (§4.8) catching a
// non-voter up before it is admitted as a Voter.
type promotionState struct {
	target           raftpb.ServerID
	round            int
	roundStartMS     int64
	roundTargetIndex uint64
}

// Raft is one server's consensus engine instance.
type Raft struct {
	cfg Config

	id      raftpb.ServerID
	address string
	logger  *xlog.Logger

	state       State
	currentTerm uint64
	votedFor    raftpb.ServerID

	log *log

	committedConfig      *Configuration
	committedConfigIndex uint64
	pendingConfig        *Configuration
	pendingConfigIndex   uint64

	commitIndex uint64
	lastApplied uint64
	lastStored  uint64

	// Leader substate.
	progress    map[raftpb.ServerID]*Progress
	transfer    *transferState
	promotion   *promotionState
	promotionCB func(error)
	// applyQueue holds pending Apply/Barrier/config-change requests in
	// append order, which is also commit order; at most one config
	// change is ever in flight, enforced by pendingConfig != nil.
	applyQueue []*clientRequest

	// Candidate substate.
	votesReceived map[raftpb.ServerID]bool

	// Follower substate.
	leaderID            raftpb.ServerID
	leaderAddress       string
	lastLeaderContactMS int64

	electionDeadlineMS int64

	started      bool
	closing      bool
	closed       bool
	closeCB      func()
	pendingIO    int // outstanding async IO requests; Close waits for this to drop to 0
	snapshotting bool

	errMsg string
	// closeErr accumulates every I/O failure observed while draining
	// pendingIO during Close, since several unrelated Send/Append
	// callbacks can each fail independently on the way down.
	closeErr error
}

// noteCloseErr records an error observed while closing, folding it into
// closeErr rather than overwriting anything already recorded.
func (r *Raft) noteCloseErr(err error) {
	if err == nil {
		return
	}
	r.closeErr = multierr.Append(r.closeErr, err)
}

// New constructs an inert engine. Call Start to bring it up.
func New(cfg Config) (*Raft, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Raft{
		cfg:             cfg,
		id:              cfg.ID,
		address:         cfg.Address,
		logger:          cfg.Logger,
		state:           Follower,
		log:             newLog(),
		committedConfig: NewConfiguration(),
		progress:        make(map[raftpb.ServerID]*Progress),
		votesReceived:   make(map[raftpb.ServerID]bool),
	}, nil
}

// ID returns the server's own id.
func (r *Raft) ID() raftpb.ServerID { return r.id }

// State returns the current Raft role.
func (r *Raft) State() State { return r.state }

// CurrentTerm returns the current term.
func (r *Raft) CurrentTerm() uint64 { return r.currentTerm }

// LeaderID returns the last known leader id, or raftpb.NoServer.
func (r *Raft) LeaderID() raftpb.ServerID { return r.leaderID }

// ErrMsg returns a human-readable description of the most recent
// failure, per §7's propagation policy.
func (r *Raft) ErrMsg() string { return r.errMsg }

func (r *Raft) setErr(format string, args ...interface{}) {
	r.errMsg = sprintf(format, args...)
	r.logger.Errorf(format, args...)
}

// Bootstrap seeds a brand-new cluster's configuration synchronously via
// the I/O capability. The capability is responsible for durably writing
// an EntryConfigChange at index 1; Start's subsequent Load reads it back
// and builds committedConfig from the log, exactly as it would for any
// other configuration change.
func (r *Raft) Bootstrap(servers []raftpb.Server) error {
	for _, s := range servers {
		if !s.Role.Valid() || s.ID == raftpb.NoServer {
			return ErrBadRole
		}
	}
	return r.cfg.IO.Bootstrap(servers)
}

// Start loads persistent state through the I/O capability, installs any
// snapshot into the FSM, starts the tick/recv callbacks, and becomes
// Follower (or Leader outright, if this server is the cluster's sole
// voter).
func (r *Raft) Start(tickMS int) error {
	if err := r.cfg.IO.Init(r.id, r.address); err != nil {
		return err
	}
	loaded, err := r.cfg.IO.Load()
	if err != nil {
		return err
	}
	r.currentTerm = loaded.Term
	r.votedFor = loaded.VotedFor

	if loaded.Snapshot != nil {
		if err := r.cfg.FSM.Restore(loaded.Snapshot.Data); err != nil {
			return err
		}
		r.log.installSnapshot(loaded.Snapshot.Metadata)
		cfg, err := DecodeConfiguration(mustEncodeServers(loaded.Snapshot.Metadata.ConfEntries))
		if err != nil {
			return err
		}
		r.committedConfig = cfg
		r.committedConfigIndex = loaded.Snapshot.Metadata.ConfIndex
		r.commitIndex = loaded.Snapshot.Metadata.LastIndex
		r.lastApplied = loaded.Snapshot.Metadata.LastIndex
		r.lastStored = loaded.Snapshot.Metadata.LastIndex
	} else {
		r.log.offset = loaded.StartIndex
	}
	if err := r.log.loadBatch(loaded.Entries); err != nil {
		return err
	}
	if len(loaded.Entries) > 0 {
		r.lastStored = loaded.Entries[len(loaded.Entries)-1].Index
	}
	r.recomputeConfigurationFromLog()

	if err := r.cfg.IO.Start(tickMS, r.handleTick, r.handleMessage); err != nil {
		return err
	}
	r.started = true

	r.becomeFollower(r.currentTerm, raftpb.NoServer)

	// A brand-new single-voter cluster has its sole configuration entry
	// sitting uncommitted in pendingConfig at this point (nothing has
	// replicated it yet, since there is nothing to replicate to), so the
	// self-election gate has to consult effectiveConfig, not
	// committedConfig, or a single-node bootstrap would never elect a
	// leader at all.
	cfg := r.effectiveConfig()
	if cfg.VoterCount() == 1 {
		if _, ok := cfg.Get(r.id); ok {
			r.startElection(false)
		}
	}
	return nil
}

// Close quiesces the engine: it stops accepting new client requests,
// cancels pending ones with ErrShutdown, waits for outstanding I/O,
// then invokes cb.
func (r *Raft) Close(cb func()) {
	r.closing = true
	r.failAllPending(ErrShutdown)
	r.closeCB = cb
	r.maybeFinishClose()
	r.cfg.IO.Close(func() {
		r.closed = true
		r.maybeFinishClose()
	})
}

func (r *Raft) maybeFinishClose() {
	if r.closing && r.closed && r.pendingIO == 0 && r.closeCB != nil {
		if r.closeErr != nil {
			r.logger.Warningf("errors during shutdown: %v", r.closeErr)
		}
		cb := r.closeCB
		r.closeCB = nil
		cb()
	}
}

func (r *Raft) quorum() int { return r.effectiveConfig().Quorum() }

// effectiveConfig is the configuration entries are matched against for
// quorum math: the pending (in-change) configuration once one exists,
// otherwise the committed one.
func (r *Raft) effectiveConfig() *Configuration {
	if r.pendingConfig != nil {
		return r.pendingConfig
	}
	return r.committedConfig
}

// recomputeConfigurationFromLog restores committedConfig/pendingConfig
// by scanning the tail of the log for ConfigChange entries, used after
// Start loads a log that already contains configuration history beyond
// a bootstrap/snapshot baseline.
func (r *Raft) recomputeConfigurationFromLog() {
	for idx := r.committedConfigIndex + 1; idx <= r.log.lastIndex(); idx++ {
		e, ok := r.log.get(idx)
		if !ok || e.Type != raftpb.EntryConfigChange {
			continue
		}
		cfg, err := DecodeConfiguration(e.Data)
		if err != nil {
			continue
		}
		if idx <= r.commitIndex {
			r.committedConfig = cfg
			r.committedConfigIndex = idx
			r.pendingConfig = nil
			r.pendingConfigIndex = 0
		} else {
			r.pendingConfig = cfg
			r.pendingConfigIndex = idx
		}
	}
}

func mustEncodeServers(servers []raftpb.Server) []byte {
	b, err := raftpb.EncodeServers(servers)
	if err != nil {
		panic(err)
	}
	return b
}
