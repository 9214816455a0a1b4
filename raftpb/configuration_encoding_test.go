package raftpb

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeServersRoundTrips(t *testing.T) {
	servers := []Server{
		{ID: 1, Address: "10.0.0.1:9001", Role: Voter},
		{ID: 2, Address: "10.0.0.2:9001", Role: Standby},
		{ID: 3, Address: "10.0.0.3:9001", Role: Idle},
	}

	data, err := EncodeServers(servers)
	require.NoError(t, err)

	decoded, err := DecodeServers(data)
	require.NoError(t, err)

	if diff := deep.Equal(servers, decoded); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestEncodeServersRejectsAddressWithNUL(t *testing.T) {
	_, err := EncodeServers([]Server{{ID: 1, Address: "bad\x00addr", Role: Voter}})
	assert.Error(t, err)
}

func TestDecodeServersRejectsUnknownVersion(t *testing.T) {
	_, err := DecodeServers([]byte{99, 0})
	assert.Error(t, err)
}

func TestDecodeServersRejectsShortBuffer(t *testing.T) {
	_, err := DecodeServers(nil)
	assert.Error(t, err)
}

func TestEncodeServersEmptyList(t *testing.T) {
	data, err := EncodeServers(nil)
	require.NoError(t, err)

	decoded, err := DecodeServers(data)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}
