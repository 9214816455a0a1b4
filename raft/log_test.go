package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreraft/raft/raftpb"
)

func TestLogAppendContiguous(t *testing.T) {
	l := newLog()
	e1, err := l.append(1, raftpb.EntryCommand, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.Index)

	e2, err := l.append(1, raftpb.EntryCommand, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e2.Index)
	assert.Equal(t, uint64(2), l.lastIndex())
}

func TestLogAppendRejectsTermRegression(t *testing.T) {
	l := newLog()
	_, err := l.append(5, raftpb.EntryCommand, nil)
	require.NoError(t, err)
	_, err = l.append(4, raftpb.EntryCommand, nil)
	assert.Error(t, err)
}

func TestLogGrowsPastInitialCapacity(t *testing.T) {
	l := newLog()
	for i := 0; i < 20; i++ {
		_, err := l.append(1, raftpb.EntryCommand, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(20), l.lastIndex())

	e, ok := l.get(10)
	require.True(t, ok)
	assert.Equal(t, uint64(10), e.Index)
}

func TestLogTruncateFromReleasesEntries(t *testing.T) {
	l := newLog()
	_, err := l.append(1, raftpb.EntryCommand, []byte("a"))
	require.NoError(t, err)
	e2, err := l.append(1, raftpb.EntryCommand, []byte("b"))
	require.NoError(t, err)
	_, err = l.append(1, raftpb.EntryCommand, []byte("c"))
	require.NoError(t, err)

	require.NoError(t, l.acquire(e2.Index))
	l.truncateFrom(e2.Index)

	assert.Equal(t, uint64(1), l.lastIndex())
	_, ok := l.get(e2.Index)
	assert.False(t, ok)

	// the log's own hold on e2 is gone, but the external acquire()
	// keeps its refcount table entry alive until release.
	count, ok := l.refCount(e2.Term, e2.Index)
	require.True(t, ok)
	assert.Equal(t, 1, count)

	l.release(e2.Term, e2.Index)
	_, ok = l.refCount(e2.Term, e2.Index)
	assert.False(t, ok)
}

func TestLogLoadBatchSharesBatchOwner(t *testing.T) {
	l := newLog()
	entries := []raftpb.Entry{
		{Term: 1, Index: 1, Type: raftpb.EntryCommand, Data: []byte("a")},
		{Term: 1, Index: 2, Type: raftpb.EntryCommand, Data: []byte("b")},
	}
	require.NoError(t, l.loadBatch(entries))
	assert.Equal(t, uint64(2), l.lastIndex())

	require.NoError(t, l.acquire(2))
	l.truncateFrom(1)

	count, ok := l.refCount(1, 2)
	require.True(t, ok)
	assert.Equal(t, 1, count)

	l.release(1, 2)
	_, ok = l.refCount(1, 2)
	assert.False(t, ok)
}

func TestLogCompactTo(t *testing.T) {
	l := newLog()
	for i := 0; i < 5; i++ {
		_, err := l.append(1, raftpb.EntryCommand, nil)
		require.NoError(t, err)
	}
	l.compactTo(3, raftpb.SnapshotMetadata{LastIndex: 2, LastTerm: 1})

	assert.Equal(t, uint64(5), l.lastIndex())
	_, ok := l.get(2)
	assert.False(t, ok)
	e, ok := l.get(3)
	require.True(t, ok)
	assert.Equal(t, uint64(3), e.Index)
}

func TestLogInstallSnapshotResetsLog(t *testing.T) {
	l := newLog()
	_, err := l.append(1, raftpb.EntryCommand, nil)
	require.NoError(t, err)
	_, err = l.append(1, raftpb.EntryCommand, nil)
	require.NoError(t, err)

	l.installSnapshot(raftpb.SnapshotMetadata{LastIndex: 10, LastTerm: 3})

	assert.Equal(t, uint64(10), l.lastIndex())
	assert.Equal(t, uint64(3), l.lastTerm())
	assert.Equal(t, uint64(11), l.nextIndex())
}

func TestLogTermOfConsultsSnapshotBoundary(t *testing.T) {
	l := newLog()
	l.installSnapshot(raftpb.SnapshotMetadata{LastIndex: 5, LastTerm: 2})

	term, ok := l.termOf(5)
	require.True(t, ok)
	assert.Equal(t, uint64(2), term)

	_, ok = l.termOf(4)
	assert.False(t, ok)
}
