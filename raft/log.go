package raft

import (
	"fmt"

	"github.com/coreraft/raft/raftpb"
)

// entryBatch is the shared backing for a group of entries that were
// loaded or appended together in one I/O buffer. It is freed only once
// every co-resident entry's refcount has dropped to zero.
type entryBatch struct {
	refcount int
}

func (b *entryBatch) release(le *logEntry) {
	b.refcount--
	if b.refcount == 0 {
		le.entry.Data = nil // the whole batch's backing is gone; nothing else can reference it
	}
}

// logEntry is what the circular buffer and the refcount table actually
// store. The log itself always holds one implicit reference (removed
// when the entry leaves the buffer via truncate or snapshot install);
// every outstanding I/O request adds one more via acquire/release.
type logEntry struct {
	entry    raftpb.Entry
	refcount int
	batch    *entryBatch // nil if entry owns its Data outright
}

func (le *logEntry) free() {
	if le.batch != nil {
		le.batch.release(le)
		return
	}
	le.entry.Data = nil
}

type refKey struct {
	term  uint64
	index uint64
}

// log is a circular buffer of entries plus a reference-count table
// keyed by (term, index), decoupled from the buffer so that an
// in-flight send or append referencing an entry can outlive that
// entry's presence in the buffer (e.g. after a conflicting truncate).
//
// Invariants: indices are contiguous and increasing; entries at or
// before snapshot.LastIndex are absent, except the trailing window that
// compactTo retains after a local snapshot; appending an entry whose
// term is less than the previous entry's term is rejected.
type log struct {
	buf    []*logEntry
	front  int
	count  int
	offset uint64 // buf's logical first entry has raft index offset+1

	refs map[refKey]*logEntry

	snapshot raftpb.SnapshotMetadata
}

func newLog() *log {
	return &log{
		buf:  make([]*logEntry, 8),
		refs: make(map[refKey]*logEntry),
	}
}

func (l *log) slot(i int) int { return (l.front + i) % len(l.buf) }

func (l *log) entryAt(i int) *logEntry { return l.buf[l.slot(i)] }

// lastIndex returns the index of the last entry in the log, or
// snapshot.LastIndex (possibly 0) if the log is empty.
func (l *log) lastIndex() uint64 {
	if l.count == 0 {
		if !l.snapshot.IsEmpty() {
			return l.snapshot.LastIndex
		}
		return l.offset
	}
	return l.offset + uint64(l.count)
}

// lastTerm returns the term of the last entry, or the snapshot's
// LastTerm if the log is empty and a snapshot exists.
func (l *log) lastTerm() uint64 {
	if l.count == 0 {
		if !l.snapshot.IsEmpty() {
			return l.snapshot.LastTerm
		}
		return 0
	}
	return l.entryAt(l.count - 1).entry.Term
}

// nextIndex is the index the next append will take.
func (l *log) nextIndex() uint64 { return l.offset + uint64(l.count) + 1 }

// get returns the entry at index, if it is currently present.
func (l *log) get(index uint64) (raftpb.Entry, bool) {
	if index <= l.offset || index > l.lastIndex() {
		return raftpb.Entry{}, false
	}
	return l.entryAt(int(index-l.offset-1)).entry, true
}

// termOf returns the term of the entry at index, consulting the
// snapshot metadata for the boundary case where index is exactly the
// snapshot's last (compacted-away) index.
func (l *log) termOf(index uint64) (uint64, bool) {
	if index == 0 {
		return 0, true
	}
	if !l.snapshot.IsEmpty() && index == l.snapshot.LastIndex {
		return l.snapshot.LastTerm, true
	}
	e, ok := l.get(index)
	if !ok {
		return 0, false
	}
	return e.Term, true
}

func (l *log) grow() {
	bigger := make([]*logEntry, len(l.buf)*2)
	for i := 0; i < l.count; i++ {
		bigger[i] = l.entryAt(i)
	}
	l.buf = bigger
	l.front = 0
}

// append adds a single entry, assigning it the next contiguous index.
// It rejects a term regression against the current last entry.
func (l *log) append(term uint64, typ raftpb.EntryType, data []byte) (raftpb.Entry, error) {
	if l.count > 0 && term < l.entryAt(l.count-1).entry.Term {
		return raftpb.Entry{}, fmt.Errorf("raft: append term %d is behind last entry term %d", term, l.entryAt(l.count-1).entry.Term)
	}
	e := raftpb.Entry{Term: term, Index: l.nextIndex(), Type: typ, Data: data}
	l.appendEntry(e, nil)
	return e, nil
}

// appendEntry is the shared low-level insert used both by append (solo
// entries) and loadBatch (entries sharing one batch owner).
func (l *log) appendEntry(e raftpb.Entry, batch *entryBatch) {
	if l.count == len(l.buf) {
		l.grow()
	}
	le := &logEntry{entry: e, refcount: 1, batch: batch}
	if batch != nil {
		batch.refcount++
	}
	l.buf[l.slot(l.count)] = le
	l.count++
	l.refs[refKey{e.Term, e.Index}] = le
}

// loadBatch ingests a slice of entries that were read from storage in
// one I/O buffer, so they share a single batch-owner: the buffer is
// freed only once every entry in it has a zero refcount.
func (l *log) loadBatch(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &entryBatch{}
	for _, e := range entries {
		if e.Index != l.nextIndex() {
			return fmt.Errorf("raft: loaded entry index %d is not contiguous with log (expected %d)", e.Index, l.nextIndex())
		}
		l.appendEntry(e, batch)
	}
	return nil
}

// truncateFrom deletes the suffix [index, lastIndex] and releases the
// log's own reference on every removed entry. It is a no-op if index
// is past the current last index.
func (l *log) truncateFrom(index uint64) {
	if index > l.lastIndex() {
		return
	}
	if index <= l.offset {
		index = l.offset + 1
	}
	keep := int(index - l.offset - 1)
	for i := keep; i < l.count; i++ {
		le := l.entryAt(i)
		l.releaseLogHold(le)
		l.buf[l.slot(i)] = nil
	}
	l.count = keep
}

// releaseLogHold drops the log's own implicit reference on le. If no
// external acquire()s are outstanding this frees its memory and drops
// it from the refcount table.
func (l *log) releaseLogHold(le *logEntry) {
	le.refcount--
	if le.refcount == 0 {
		delete(l.refs, refKey{le.entry.Term, le.entry.Index})
		le.free()
	}
}

// acquire adds an external reference to the entry currently at index,
// e.g. because it is about to be included in an outgoing AppendEntries
// or an async Append request.
func (l *log) acquire(index uint64) error {
	if index <= l.offset || index > l.lastIndex() {
		return ErrNotFound
	}
	le := l.entryAt(int(index - l.offset - 1))
	le.refcount++
	return nil
}

// release drops an external reference taken by acquire, identified by
// (term, index) so it still resolves even if the entry has since left
// the buffer (e.g. truncated by a new leader) while still in flight.
func (l *log) release(term, index uint64) {
	le, ok := l.refs[refKey{term, index}]
	if !ok {
		return
	}
	le.refcount--
	if le.refcount == 0 {
		delete(l.refs, refKey{term, index})
		le.free()
	}
}

// refCount reports the current refcount of the entry at (term, index),
// for tests asserting the refcount invariant.
func (l *log) refCount(term, index uint64) (int, bool) {
	le, ok := l.refs[refKey{term, index}]
	if !ok {
		return 0, false
	}
	return le.refcount, true
}

// installSnapshot discards the entire log and repositions offset at
// lastIndex, per InstallSnapshot RPC handling: the follower throws away
// whatever it had and starts fresh from the snapshot.
func (l *log) installSnapshot(meta raftpb.SnapshotMetadata) {
	for i := 0; i < l.count; i++ {
		l.releaseLogHold(l.entryAt(i))
		l.buf[l.slot(i)] = nil
	}
	l.count = 0
	l.front = 0
	l.offset = meta.LastIndex
	l.snapshot = meta
}

// compactTo drops every entry with index <= keepFrom-1 after a local
// snapshot was taken, retaining [keepFrom, lastIndex] for follower
// catch-up (the snapshot coordinator's "trailing" window). If keepFrom
// is beyond lastIndex the whole log is dropped, same as a trailing=0
// snapshot.
func (l *log) compactTo(keepFrom uint64, meta raftpb.SnapshotMetadata) {
	if keepFrom > l.lastIndex() {
		keepFrom = l.lastIndex() + 1
	}
	drop := int(keepFrom) - int(l.offset) - 1
	if drop < 0 {
		drop = 0
	}
	if drop > l.count {
		drop = l.count
	}
	for i := 0; i < drop; i++ {
		l.releaseLogHold(l.entryAt(i))
		l.buf[l.slot(i)] = nil
	}
	l.front = l.slot(drop)
	l.count -= drop
	l.offset += uint64(drop)
	l.snapshot = meta
}
