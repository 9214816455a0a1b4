// Package diskio is a reference raft.IO implementation: durable state
// kept in a boltdb-backed backend.Backend, network delivery through a
// pluggable Transport (see transporthttp), and a wall clock/PRNG for
// Time/Random.
package diskio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coreraft/raft/mvcc/backend"
	"github.com/coreraft/raft/raftpb"
)

var (
	bucketMeta     = []byte("meta")
	bucketLog      = []byte("log")
	bucketSnapshot = []byte("snapshot")

	keyHardState = []byte("hardstate")
	keySnapMeta  = []byte("meta")
	keySnapData  = []byte("data")

	// maxIndexKey upper-bounds a full-bucket scan; UnsafeRange's endKey
	// is exclusive, so this only misses an entry at literal index
	// math.MaxUint64.
	maxIndexKey = indexKey(^uint64(0))
)

var (
	errNoSnapshot          = errors.New("diskio: no snapshot stored")
	errAlreadyBootstrapped = errors.New("store is already initialized")
)

// store is the durable half of an IO, built directly on the same
// backend.Backend the rest of the corpus batches its bolt writes
// against. Every public method here takes the shared batch
// transaction, makes its writes, and calls Commit before returning —
// unlike backend's own batching, which lets writes sit uncommitted
// until batchLimit or its timer fires, raft needs each write durable
// before the completion callback it's attached to runs.
type store struct {
	be backend.Backend
}

func openStore(dir string) (*store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("diskio: creating data dir: %w", err)
	}
	be := backend.NewDefaultBackend(filepath.Join(dir, "raft.db"))

	tx := be.BatchTx()
	tx.Lock()
	tx.UnsafeCreateBucket(bucketMeta)
	tx.UnsafeCreateBucket(bucketLog)
	tx.UnsafeCreateBucket(bucketSnapshot)
	tx.Unlock()
	tx.Commit()

	return &store{be: be}, nil
}

func (s *store) close() error {
	return s.be.Close()
}

// getOne reads a single key through a BatchTx the same way
// UnsafeRange's zero-endKey path treats it: a plain bucket Get.
func getOne(tx backend.BatchTx, bucket, key []byte) []byte {
	_, vals := tx.UnsafeRange(bucket, key, nil, 0)
	if len(vals) == 0 {
		return nil
	}
	return vals[0]
}

func encodeHardState(hs raftpb.HardState) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], hs.Term)
	binary.BigEndian.PutUint64(buf[8:16], uint64(hs.VotedFor))
	return buf
}

func decodeHardState(b []byte) raftpb.HardState {
	if len(b) != 16 {
		return raftpb.HardState{}
	}
	return raftpb.HardState{
		Term:     binary.BigEndian.Uint64(b[0:8]),
		VotedFor: raftpb.ServerID(binary.BigEndian.Uint64(b[8:16])),
	}
}

func indexKey(index uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, index)
	return b
}

func (s *store) setTerm(term uint64) error {
	tx := s.be.BatchTx()
	tx.Lock()
	hs := decodeHardState(getOne(tx, bucketMeta, keyHardState))
	hs.Term = term
	tx.UnsafePut(bucketMeta, keyHardState, encodeHardState(hs))
	tx.Unlock()
	tx.Commit()
	return nil
}

func (s *store) setVote(id raftpb.ServerID) error {
	tx := s.be.BatchTx()
	tx.Lock()
	hs := decodeHardState(getOne(tx, bucketMeta, keyHardState))
	hs.VotedFor = id
	tx.UnsafePut(bucketMeta, keyHardState, encodeHardState(hs))
	tx.Unlock()
	tx.Commit()
	return nil
}

// bootstrap writes the initial configuration as log entry 1 and resets
// hard state, refusing to run over an already-initialized store.
func (s *store) bootstrap(servers []raftpb.Server) error {
	tx := s.be.BatchTx()
	tx.Lock()
	if _, vals := tx.UnsafeRange(bucketLog, indexKey(0), maxIndexKey, 1); len(vals) > 0 {
		tx.Unlock()
		return fmt.Errorf("diskio: %w", errAlreadyBootstrapped)
	}
	data, err := raftpb.EncodeServers(servers)
	if err != nil {
		tx.Unlock()
		return err
	}
	e := raftpb.Entry{Term: 1, Index: 1, Type: raftpb.EntryConfigChange, Data: data}
	encoded, err := encodeEntry(e)
	if err != nil {
		tx.Unlock()
		return err
	}
	tx.UnsafePut(bucketLog, indexKey(1), encoded)
	tx.UnsafePut(bucketMeta, keyHardState, encodeHardState(raftpb.HardState{Term: 1}))
	tx.Unlock()
	tx.Commit()
	return nil
}

// recover overwrites the current configuration with a fresh one at the
// next log index, used to force a cluster's membership after a
// majority loss — an operator action, never taken by the engine itself.
func (s *store) recover(servers []raftpb.Server, nextIndex uint64, term uint64) error {
	tx := s.be.BatchTx()
	tx.Lock()
	data, err := raftpb.EncodeServers(servers)
	if err != nil {
		tx.Unlock()
		return err
	}
	e := raftpb.Entry{Term: term, Index: nextIndex, Type: raftpb.EntryConfigChange, Data: data}
	encoded, err := encodeEntry(e)
	if err != nil {
		tx.Unlock()
		return err
	}
	tx.UnsafePut(bucketLog, indexKey(nextIndex), encoded)
	tx.Unlock()
	tx.Commit()
	return nil
}

func (s *store) appendEntries(entries []raftpb.Entry) error {
	tx := s.be.BatchTx()
	tx.Lock()
	for _, e := range entries {
		encoded, err := encodeEntry(e)
		if err != nil {
			tx.Unlock()
			return err
		}
		tx.UnsafePut(bucketLog, indexKey(e.Index), encoded)
	}
	tx.Unlock()
	tx.Commit()
	return nil
}

func (s *store) truncate(fromIndex uint64) error {
	tx := s.be.BatchTx()
	tx.Lock()
	keys, _ := tx.UnsafeRange(bucketLog, indexKey(fromIndex), maxIndexKey, 0)
	for _, k := range keys {
		tx.UnsafeDelete(bucketLog, k)
	}
	tx.Unlock()
	tx.Commit()
	return nil
}

func (s *store) putSnapshot(snap raftpb.Snapshot, trailing uint64) error {
	tx := s.be.BatchTx()
	tx.Lock()
	metaBytes, err := encodeSnapshotMetadata(snap.Metadata)
	if err != nil {
		tx.Unlock()
		return err
	}
	tx.UnsafePut(bucketSnapshot, keySnapMeta, metaBytes)
	tx.UnsafePut(bucketSnapshot, keySnapData, snap.Data)

	keepFrom := uint64(0)
	if snap.Metadata.LastIndex+1 > trailing {
		keepFrom = snap.Metadata.LastIndex + 1 - trailing
	}
	if keepFrom > 0 {
		keys, _ := tx.UnsafeRange(bucketLog, indexKey(0), indexKey(keepFrom), 0)
		for _, k := range keys {
			tx.UnsafeDelete(bucketLog, k)
		}
	}
	tx.Unlock()
	tx.Commit()
	return nil
}

func (s *store) getSnapshot() (raftpb.Snapshot, error) {
	tx := s.be.BatchTx()
	tx.Lock()
	defer tx.Unlock()

	metaBytes := getOne(tx, bucketSnapshot, keySnapMeta)
	if metaBytes == nil {
		return raftpb.Snapshot{}, errNoSnapshot
	}
	meta, err := decodeSnapshotMetadata(metaBytes)
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	data := getOne(tx, bucketSnapshot, keySnapData)
	return raftpb.Snapshot{Metadata: meta, Data: append([]byte(nil), data...)}, nil
}

// load reads hard state, any stored snapshot, and every entry in the
// log bucket, including the trailing window kept at or before the
// snapshot's last index (IO.Load drops those before handing them on).
func (s *store) load() (raftpb.HardState, *raftpb.Snapshot, []raftpb.Entry, error) {
	tx := s.be.BatchTx()
	tx.Lock()
	defer tx.Unlock()

	hs := decodeHardState(getOne(tx, bucketMeta, keyHardState))

	var snap *raftpb.Snapshot
	if metaBytes := getOne(tx, bucketSnapshot, keySnapMeta); metaBytes != nil {
		meta, err := decodeSnapshotMetadata(metaBytes)
		if err != nil {
			return raftpb.HardState{}, nil, nil, err
		}
		data := getOne(tx, bucketSnapshot, keySnapData)
		snap = &raftpb.Snapshot{Metadata: meta, Data: append([]byte(nil), data...)}
	}

	var entries []raftpb.Entry
	err := tx.UnsafeForEach(bucketLog, func(k, v []byte) error {
		e, err := decodeEntry(v)
		if err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return raftpb.HardState{}, nil, nil, err
	}
	return hs, snap, entries, nil
}
