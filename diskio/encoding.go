package diskio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/coreraft/raft/raftpb"
)

// entryWireVersion mirrors the versioning approach raftpb uses for
// Configuration: a leading byte so a future format change can still
// read old records during an upgrade.
const entryWireVersion = 1

// encodeEntry serializes one log entry: version, term, index, type,
// then a varint-length-prefixed payload.
func encodeEntry(e raftpb.Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(entryWireVersion)

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], e.Term)
	buf.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], e.Index)
	buf.Write(u64[:])
	buf.WriteByte(byte(e.Type))

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(e.Data)))
	buf.Write(lenBuf[:n])
	buf.Write(e.Data)

	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (raftpb.Entry, error) {
	if len(data) < 18 || data[0] != entryWireVersion {
		return raftpb.Entry{}, fmt.Errorf("diskio: malformed entry record")
	}
	r := bytes.NewReader(data[1:])

	var e raftpb.Entry
	var u64 [8]byte
	if _, err := r.Read(u64[:]); err != nil {
		return raftpb.Entry{}, err
	}
	e.Term = binary.BigEndian.Uint64(u64[:])
	if _, err := r.Read(u64[:]); err != nil {
		return raftpb.Entry{}, err
	}
	e.Index = binary.BigEndian.Uint64(u64[:])
	typByte, err := r.ReadByte()
	if err != nil {
		return raftpb.Entry{}, err
	}
	e.Type = raftpb.EntryType(typByte)

	dataLen, err := binary.ReadUvarint(r)
	if err != nil {
		return raftpb.Entry{}, fmt.Errorf("diskio: decoding entry payload length: %w", err)
	}
	if dataLen > 0 {
		e.Data = make([]byte, dataLen)
		if _, err := r.Read(e.Data); err != nil {
			return raftpb.Entry{}, err
		}
	}
	return e, nil
}

// encodeSnapshotMetadata reuses raftpb's server-list encoding for
// ConfEntries and prefixes it with the three index/term fields.
func encodeSnapshotMetadata(m raftpb.SnapshotMetadata) ([]byte, error) {
	confBytes, err := raftpb.EncodeServers(m.ConfEntries)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], m.LastIndex)
	buf.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], m.LastTerm)
	buf.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], m.ConfIndex)
	buf.Write(u64[:])
	buf.Write(confBytes)
	return buf.Bytes(), nil
}

func decodeSnapshotMetadata(data []byte) (raftpb.SnapshotMetadata, error) {
	if len(data) < 24 {
		return raftpb.SnapshotMetadata{}, fmt.Errorf("diskio: malformed snapshot metadata")
	}
	m := raftpb.SnapshotMetadata{
		LastIndex: binary.BigEndian.Uint64(data[0:8]),
		LastTerm:  binary.BigEndian.Uint64(data[8:16]),
		ConfIndex: binary.BigEndian.Uint64(data[16:24]),
	}
	servers, err := raftpb.DecodeServers(data[24:])
	if err != nil {
		return raftpb.SnapshotMetadata{}, err
	}
	m.ConfEntries = servers
	return m, nil
}
