package diskio

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreraft/raft/raftpb"
)

func newTestStore(t *testing.T) *store {
	t.Helper()
	dir := t.TempDir()
	s, err := openStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.close() })
	return s
}

func TestStoreBootstrapWritesConfigEntryAndTerm(t *testing.T) {
	s := newTestStore(t)
	servers := []raftpb.Server{{ID: 1, Address: "a", Role: raftpb.Voter}}
	require.NoError(t, s.bootstrap(servers))

	hs, snap, entries, err := s.load()
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Equal(t, uint64(1), hs.Term)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(1), entries[0].Index)
	assert.Equal(t, raftpb.EntryConfigChange, entries[0].Type)

	decoded, err := raftpb.DecodeServers(entries[0].Data)
	require.NoError(t, err)
	assert.Equal(t, servers, decoded)
}

func TestStoreBootstrapRefusesNonPristineStore(t *testing.T) {
	s := newTestStore(t)
	servers := []raftpb.Server{{ID: 1, Address: "a", Role: raftpb.Voter}}
	require.NoError(t, s.bootstrap(servers))
	assert.ErrorIs(t, s.bootstrap(servers), errAlreadyBootstrapped)
}

func TestStoreSetTermAndVotePersist(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.setTerm(7))
	require.NoError(t, s.setVote(3))

	hs, _, _, err := s.load()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), hs.Term)
	assert.Equal(t, raftpb.ServerID(3), hs.VotedFor)
}

func TestStoreAppendAndTruncate(t *testing.T) {
	s := newTestStore(t)
	entries := []raftpb.Entry{
		{Term: 1, Index: 1, Type: raftpb.EntryCommand, Data: []byte("a")},
		{Term: 1, Index: 2, Type: raftpb.EntryCommand, Data: []byte("b")},
		{Term: 1, Index: 3, Type: raftpb.EntryCommand, Data: []byte("c")},
	}
	require.NoError(t, s.appendEntries(entries))

	_, _, loaded, err := s.load()
	require.NoError(t, err)
	require.Len(t, loaded, 3)

	require.NoError(t, s.truncate(2))
	_, _, loaded, err = s.load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, uint64(1), loaded[0].Index)
}

func TestStorePutAndGetSnapshotAppliesTrailing(t *testing.T) {
	s := newTestStore(t)
	entries := make([]raftpb.Entry, 0, 10)
	for i := uint64(1); i <= 10; i++ {
		entries = append(entries, raftpb.Entry{Term: 1, Index: i, Type: raftpb.EntryCommand})
	}
	require.NoError(t, s.appendEntries(entries))

	snap := raftpb.Snapshot{
		Metadata: raftpb.SnapshotMetadata{LastIndex: 8, LastTerm: 1},
		Data:     []byte("state"),
	}
	require.NoError(t, s.putSnapshot(snap, 3))

	got, err := s.getSnapshot()
	require.NoError(t, err)
	assert.Equal(t, snap.Data, got.Data)
	assert.Equal(t, snap.Metadata.LastIndex, got.Metadata.LastIndex)

	// trailing=3 keeps indices [6,10]; [1,5] should be gone.
	_, _, loaded, err := s.load()
	require.NoError(t, err)
	var indices []uint64
	for _, e := range loaded {
		indices = append(indices, e.Index)
	}
	assert.Equal(t, []uint64{6, 7, 8, 9, 10}, indices)
}

func TestStoreGetSnapshotWithNoneStoredReturnsErrNoSnapshot(t *testing.T) {
	s := newTestStore(t)
	_, err := s.getSnapshot()
	assert.ErrorIs(t, err, errNoSnapshot)
}

func TestOpenStoreCreatesDataDir(t *testing.T) {
	dir := t.TempDir()
	nested := dir + "/nested/data"
	s, err := openStore(nested)
	require.NoError(t, err)
	defer s.close()

	info, err := os.Stat(nested)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
