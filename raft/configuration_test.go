package raft

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreraft/raft/raftpb"
)

func TestConfigurationAddGetRemove(t *testing.T) {
	cfg := NewConfiguration()
	require.NoError(t, cfg.Add(1, "10.0.0.1:9001", raftpb.Voter))
	require.NoError(t, cfg.Add(2, "10.0.0.2:9001", raftpb.Standby))

	srv, ok := cfg.Get(1)
	require.True(t, ok)
	assert.Equal(t, raftpb.Voter, srv.Role)

	assert.Equal(t, 1, cfg.VoterCount())
	assert.Equal(t, 1, cfg.Quorum())
	assert.Equal(t, []raftpb.ServerID{1, 2}, cfg.ReplicationTargets())

	cfg.Remove(1)
	_, ok = cfg.Get(1)
	assert.False(t, ok)
}

func TestConfigurationRejectsDuplicates(t *testing.T) {
	cfg := NewConfiguration()
	require.NoError(t, cfg.Add(1, "10.0.0.1:9001", raftpb.Voter))
	assert.ErrorIs(t, cfg.Add(1, "10.0.0.2:9001", raftpb.Voter), ErrDuplicateID)
	assert.ErrorIs(t, cfg.Add(2, "10.0.0.1:9001", raftpb.Voter), ErrDuplicateAddress)
	assert.ErrorIs(t, cfg.Add(3, "10.0.0.3:9001", raftpb.Role(99)), ErrBadRole)
}

func TestConfigurationReplicationTargetsExcludeIdle(t *testing.T) {
	cfg := NewConfiguration()
	require.NoError(t, cfg.Add(1, "10.0.0.1:9001", raftpb.Voter))
	require.NoError(t, cfg.Add(2, "10.0.0.2:9001", raftpb.Idle))
	require.NoError(t, cfg.Add(3, "10.0.0.3:9001", raftpb.Standby))

	assert.Equal(t, []raftpb.ServerID{1, 3}, cfg.ReplicationTargets())
	assert.Equal(t, []raftpb.ServerID{1}, cfg.Voters())
}

func TestConfigurationEncodeDecodeRoundTrips(t *testing.T) {
	cfg := NewConfiguration()
	require.NoError(t, cfg.Add(3, "10.0.0.3:9001", raftpb.Voter))
	require.NoError(t, cfg.Add(1, "10.0.0.1:9001", raftpb.Standby))
	require.NoError(t, cfg.Add(2, "10.0.0.2:9001", raftpb.Idle))

	data, err := cfg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeConfiguration(data)
	require.NoError(t, err)

	if diff := deep.Equal(cfg.Servers(), decoded.Servers()); diff != nil {
		t.Fatalf("round-tripped configuration differs: %v", diff)
	}

	// Servers() is id-ordered regardless of insertion order.
	servers := cfg.Servers()
	assert.Equal(t, raftpb.ServerID(1), servers[0].ID)
	assert.Equal(t, raftpb.ServerID(2), servers[1].ID)
	assert.Equal(t, raftpb.ServerID(3), servers[2].ID)
}

func TestConfigurationClone(t *testing.T) {
	cfg := NewConfiguration()
	require.NoError(t, cfg.Add(1, "10.0.0.1:9001", raftpb.Voter))

	clone := cfg.Clone()
	require.NoError(t, clone.Add(2, "10.0.0.2:9001", raftpb.Voter))

	assert.Equal(t, 1, cfg.VoterCount())
	assert.Equal(t, 2, clone.VoterCount())
}
