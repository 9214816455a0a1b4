package raft

import (
	"fmt"

	"github.com/coreraft/raft/raftpb"
	"github.com/coreraft/raft/xlog"
)

// Recognized tunables and their defaults, per the engine's external
// contract. The *TimeoutMS values are milliseconds; SnapshotThreshold,
// SnapshotTrailing, MaxEntriesPerAppend and MaxApplyBatch count entries,
// and PromotionMaxRounds counts rounds.
const (
	DefaultElectionTimeoutMS  = 1000
	DefaultHeartbeatTimeoutMS = 100
	DefaultSnapshotThreshold  = 1024
	DefaultSnapshotTrailing   = 128
	// DefaultPromotionMaxRounds bounds a promotion sync round; the
	// source this engine is modeled on leaves the bound unspecified, so
	// it is exposed here as a tunable instead of hardcoded.
	DefaultPromotionMaxRounds = 10
	// DefaultMaxEntriesPerAppend bounds how many entries a Pipeline-mode
	// AppendEntries may carry at once.
	DefaultMaxEntriesPerAppend = 64
	// DefaultMaxApplyBatch bounds how many entries one pass of the apply
	// loop hands to the FSM; the loop runs on every tick and after each
	// commit advance.
	DefaultMaxApplyBatch = 256
)

// Config collects everything needed to construct a Raft: its identity,
// its capabilities, and its tunables.
type Config struct {
	ID      raftpb.ServerID
	Address string

	FSM FSM
	IO  IO

	Logger *xlog.Logger

	ElectionTimeoutMS   int
	HeartbeatTimeoutMS  int
	SnapshotThreshold   uint64
	SnapshotTrailing    uint64
	PromotionMaxRounds  int
	MaxEntriesPerAppend int
	MaxApplyBatch       int
}

func (c *Config) setDefaults() {
	if c.ElectionTimeoutMS == 0 {
		c.ElectionTimeoutMS = DefaultElectionTimeoutMS
	}
	if c.HeartbeatTimeoutMS == 0 {
		c.HeartbeatTimeoutMS = DefaultHeartbeatTimeoutMS
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = DefaultSnapshotThreshold
	}
	if c.SnapshotTrailing == 0 {
		c.SnapshotTrailing = DefaultSnapshotTrailing
	}
	if c.PromotionMaxRounds == 0 {
		c.PromotionMaxRounds = DefaultPromotionMaxRounds
	}
	if c.MaxEntriesPerAppend == 0 {
		c.MaxEntriesPerAppend = DefaultMaxEntriesPerAppend
	}
	if c.MaxApplyBatch == 0 {
		c.MaxApplyBatch = DefaultMaxApplyBatch
	}
	if c.Logger == nil {
		c.Logger = xlog.NewLogger("raft")
	}
}

func (c *Config) validate() error {
	if c.ID == raftpb.NoServer {
		return fmt.Errorf("%w: server id must be non-zero", ErrBadID)
	}
	if c.FSM == nil {
		return fmt.Errorf("%w: FSM is required", ErrInvalidParameter)
	}
	if c.IO == nil {
		return fmt.Errorf("%w: IO is required", ErrInvalidParameter)
	}
	if c.ElectionTimeoutMS <= c.HeartbeatTimeoutMS {
		return fmt.Errorf("%w: election timeout must exceed heartbeat timeout", ErrInvalidParameter)
	}
	return nil
}
