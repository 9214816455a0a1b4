package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreraft/raft/raftpb"
)

func newSingleVoterRaft(t *testing.T) (*Raft, *fakeIO, *fakeFSM) {
	t.Helper()
	io := newFakeIO()
	fsm := &fakeFSM{}
	r, err := New(Config{ID: 1, Address: "127.0.0.1:9001", FSM: fsm, IO: io})
	require.NoError(t, err)
	require.NoError(t, r.Bootstrap([]raftpb.Server{{ID: 1, Address: "127.0.0.1:9001", Role: raftpb.Voter}}))
	require.NoError(t, r.Start(100))
	return r, io, fsm
}

func TestStartSingleVoterBecomesLeaderImmediately(t *testing.T) {
	r, _, _ := newSingleVoterRaft(t)
	assert.Equal(t, Leader, r.State())
	assert.Equal(t, raftpb.ServerID(1), r.LeaderID())
	assert.Equal(t, 1, r.effectiveConfig().VoterCount())
}

func TestApplyCompletesSynchronouslyOnSingleVoter(t *testing.T) {
	r, _, fsm := newSingleVoterRaft(t)

	var gotResults []interface{}
	var gotErr error
	err := r.Apply([][]byte{[]byte("set x")}, func(results []interface{}, err error) {
		gotResults = results
		gotErr = err
	})
	require.NoError(t, err)
	require.NoError(t, gotErr)
	require.Len(t, gotResults, 1)
	require.Len(t, fsm.applied, 1)
	assert.Equal(t, []byte("set x"), fsm.applied[0])
}

func TestBarrierCompletesAfterEarlierCommands(t *testing.T) {
	r, _, fsm := newSingleVoterRaft(t)

	require.NoError(t, r.Apply([][]byte{[]byte("a")}, func([]interface{}, error) {}))

	barrierDone := false
	require.NoError(t, r.Barrier(func(err error) {
		barrierDone = true
		assert.NoError(t, err)
	}))

	assert.True(t, barrierDone)
	assert.Len(t, fsm.applied, 1)
}

func TestApplyRejectedWhenNotLeader(t *testing.T) {
	io := newFakeIO()
	fsm := &fakeFSM{}
	r, err := New(Config{ID: 1, Address: "a", FSM: fsm, IO: io})
	require.NoError(t, err)
	require.NoError(t, r.Bootstrap([]raftpb.Server{
		{ID: 1, Address: "a", Role: raftpb.Voter},
		{ID: 2, Address: "b", Role: raftpb.Voter},
	}))
	require.NoError(t, r.Start(100))

	// two voters: nobody has a majority yet, so this server stays
	// Follower rather than immediately electing itself.
	assert.NotEqual(t, Leader, r.State())
	err = r.Apply([][]byte{[]byte("x")}, func([]interface{}, error) {})
	assert.ErrorIs(t, err, ErrNotLeader)
}

func TestCloseDrainsAndInvokesCallback(t *testing.T) {
	r, _, _ := newSingleVoterRaft(t)
	done := false
	r.Close(func() { done = true })
	assert.True(t, done)
}

func TestAddServerProposesConfigChangeAndTracksProgress(t *testing.T) {
	r, _, _ := newSingleVoterRaft(t)

	var changeErr error
	called := false
	err := r.AddServer(2, "127.0.0.1:9002", raftpb.Standby, func(err error) {
		called = true
		changeErr = err
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.NoError(t, changeErr)

	srv, ok := r.effectiveConfig().Get(2)
	require.True(t, ok)
	assert.Equal(t, raftpb.Standby, srv.Role)

	// a Standby member must be tracked for replication even though it
	// never counts toward quorum.
	_, tracked := r.progress[2]
	assert.True(t, tracked)
}

func TestRemoveServerRefusesLastVoter(t *testing.T) {
	r, _, _ := newSingleVoterRaft(t)
	err := r.RemoveServer(1, func(error) {})
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestConflictingAppendEntriesTruncatesDurablyAndFailsPending(t *testing.T) {
	io := newFakeIO()
	fsm := &fakeFSM{}
	r, err := New(Config{ID: 1, Address: "a", FSM: fsm, IO: io})
	require.NoError(t, err)
	require.NoError(t, r.Bootstrap([]raftpb.Server{
		{ID: 1, Address: "a", Role: raftpb.Voter},
		{ID: 2, Address: "b", Role: raftpb.Voter},
	}))
	require.NoError(t, r.Start(100))

	// Force this server into Leader for term 1, as if it had already
	// won an election; how it got there doesn't matter to what's under
	// test.
	r.state = Leader
	r.leaderID = r.id
	r.currentTerm = 1

	var applyErr error
	require.NoError(t, r.Apply([][]byte{[]byte("stale")}, func(_ []interface{}, err error) {
		applyErr = err
	}))
	require.NoError(t, applyErr) // not yet resolved: only 1 of 2 voters has matched
	require.Len(t, r.applyQueue, 1)
	staleIndex := r.applyQueue[0].startIndex
	require.Len(t, io.entries, int(staleIndex))

	// A new leader in a later term overwrites this entry with a
	// conflicting one.
	r.handleMessage(raftpb.Message{
		Type:         raftpb.MessageAppendEntries,
		SenderID:     2,
		Term:         2,
		PrevLogIndex: staleIndex - 1,
		PrevLogTerm:  1,
		Entries: []raftpb.Entry{
			{Term: 2, Index: staleIndex, Type: raftpb.EntryCommand, Data: []byte("winner")},
		},
		LeaderCommit: staleIndex,
	})

	assert.ErrorIs(t, applyErr, ErrLeadershipLost)
	assert.Empty(t, r.applyQueue)

	// the durable log no longer carries the stale entry at this index.
	for _, e := range io.entries {
		if e.Index == staleIndex {
			assert.Equal(t, uint64(2), e.Term)
		}
	}
}

func TestRemoveServerPrunesProgress(t *testing.T) {
	r, _, _ := newSingleVoterRaft(t)

	require.NoError(t, r.AddServer(2, "127.0.0.1:9002", raftpb.Standby, func(error) {}))
	_, tracked := r.progress[2]
	require.True(t, tracked)

	require.NoError(t, r.RemoveServer(2, func(error) {}))
	_, tracked = r.progress[2]
	assert.False(t, tracked)

	_, ok := r.effectiveConfig().Get(2)
	assert.False(t, ok)
}
