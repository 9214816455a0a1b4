package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProgressStartsInProbe(t *testing.T) {
	p := newProgress(5)
	assert.Equal(t, Probe, p.State)
	assert.Equal(t, uint64(6), p.NextIndex)
	assert.Equal(t, uint64(0), p.MatchIndex)
}

func TestProgressMaybeUpdateAdvancesAndPipelines(t *testing.T) {
	p := newProgress(5)
	advanced := p.maybeUpdate(3)
	assert.True(t, advanced)
	assert.Equal(t, Pipeline, p.State)
	assert.Equal(t, uint64(3), p.MatchIndex)
	assert.Equal(t, uint64(4), p.NextIndex)

	// a stale/duplicate ack doesn't move anything backward.
	advanced = p.maybeUpdate(2)
	assert.False(t, advanced)
	assert.Equal(t, uint64(3), p.MatchIndex)
}

func TestProgressMaybeDecreaseReturnsToProbe(t *testing.T) {
	p := newProgress(10)
	p.maybeUpdate(5)
	require.Equal(t, Pipeline, p.State)

	ok := p.maybeDecrease(8, 4)
	require.True(t, ok)
	assert.Equal(t, Probe, p.State)
	assert.Equal(t, uint64(5), p.NextIndex)
}

func TestProgressMaybeDecreaseIgnoresStaleRejection(t *testing.T) {
	p := newProgress(10)
	p.maybeUpdate(7)
	ok := p.maybeDecrease(5, 4)
	assert.False(t, ok)
	assert.Equal(t, Pipeline, p.State)
}

func TestProgressBecomeSnapshotAndBackToProbe(t *testing.T) {
	p := newProgress(10)
	p.becomeSnapshot(20)
	assert.Equal(t, Snapshot, p.State)

	p.becomeProbe()
	assert.Equal(t, Probe, p.State)
	assert.Equal(t, uint64(21), p.NextIndex)
}

func TestProgressNeedsSnapshot(t *testing.T) {
	p := newProgress(10) // NextIndex = 11
	assert.False(t, p.needsSnapshot(0))
	assert.True(t, p.needsSnapshot(15))

	p.State = Snapshot
	assert.False(t, p.needsSnapshot(15))
}
