package raftpb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
)

// configWireVersion is the only version this package knows how to
// encode and decode. Bumping it is a breaking wire change.
const configWireVersion = 1

// EncodeServers produces the stable binary layout for a configuration:
// a version byte, a varint server count, then per server
// {id uint64 big-endian, role uint8, address NUL-terminated}.
func EncodeServers(servers []Server) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(configWireVersion)

	var countBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(countBuf[:], uint64(len(servers)))
	buf.Write(countBuf[:n])

	var idBuf [8]byte
	for _, s := range servers {
		if bytes.IndexByte([]byte(s.Address), 0) >= 0 {
			return nil, fmt.Errorf("raftpb: address %q contains a NUL byte", s.Address)
		}
		binary.BigEndian.PutUint64(idBuf[:], uint64(s.ID))
		buf.Write(idBuf[:])
		buf.WriteByte(byte(s.Role))
		buf.WriteString(s.Address)
		buf.WriteByte(0)
	}

	return buf.Bytes(), nil
}

// DecodeServers is the inverse of EncodeServers. decode(encode(c)) == c
// for any configuration c that round-trips through Configuration.Servers.
func DecodeServers(data []byte) ([]Server, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("raftpb: configuration buffer too short")
	}
	if data[0] != configWireVersion {
		return nil, fmt.Errorf("raftpb: unsupported configuration wire version %d", data[0])
	}
	r := bufio.NewReader(bytes.NewReader(data[1:]))

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("raftpb: decoding server count: %w", err)
	}

	servers := make([]Server, 0, count)
	for i := uint64(0); i < count; i++ {
		var idBuf [8]byte
		if _, err := r.Read(idBuf[:]); err != nil {
			return nil, fmt.Errorf("raftpb: decoding server %d id: %w", i, err)
		}
		roleByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("raftpb: decoding server %d role: %w", i, err)
		}
		addr, err := r.ReadString(0)
		if err != nil {
			return nil, fmt.Errorf("raftpb: decoding server %d address: %w", i, err)
		}
		servers = append(servers, Server{
			ID:      ServerID(binary.BigEndian.Uint64(idBuf[:])),
			Role:    Role(roleByte),
			Address: addr[:len(addr)-1], // drop the trailing NUL ReadString kept
		})
	}

	return servers, nil
}
