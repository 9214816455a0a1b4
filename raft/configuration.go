package raft

import (
	"fmt"

	"github.com/google/btree"

	"github.com/coreraft/raft/raftpb"
)

// memberItem adapts a raftpb.Server to btree.Item so Configuration can
// keep members in a stable, id-ordered structure. Ordering matters for
// Servers()/Encode(): two configurations with the same members always
// encode to the same bytes, which Encode()/DecodeServers() round-trips.
type memberItem struct {
	raftpb.Server
}

func (m memberItem) Less(than btree.Item) bool {
	return m.ID < than.(memberItem).ID
}

// Configuration is the set of servers participating in the cluster:
// C1 in the component breakdown. It tracks no index of its own — the
// engine pairs a Configuration with the log index it was last changed
// at (see raft.go's committedConfigIndex/pendingConfigIndex).
type Configuration struct {
	byAddress map[string]raftpb.ServerID
	tree      *btree.BTree
}

// NewConfiguration returns an empty configuration.
func NewConfiguration() *Configuration {
	return &Configuration{
		byAddress: make(map[string]raftpb.ServerID),
		tree:      btree.New(8),
	}
}

// Clone returns a deep copy, safe to mutate independently of c.
func (c *Configuration) Clone() *Configuration {
	clone := NewConfiguration()
	c.tree.Ascend(func(it btree.Item) bool {
		m := it.(memberItem)
		clone.tree.ReplaceOrInsert(m)
		clone.byAddress[m.Address] = m.ID
		return true
	})
	return clone
}

// Add inserts a new server. It fails with ErrDuplicateID,
// ErrDuplicateAddress or ErrBadRole.
func (c *Configuration) Add(id raftpb.ServerID, address string, role raftpb.Role) error {
	if id == raftpb.NoServer {
		return ErrBadID
	}
	if !role.Valid() {
		return ErrBadRole
	}
	if _, ok := c.Get(id); ok {
		return ErrDuplicateID
	}
	if _, ok := c.byAddress[address]; ok {
		return ErrDuplicateAddress
	}
	c.tree.ReplaceOrInsert(memberItem{raftpb.Server{ID: id, Address: address, Role: role}})
	c.byAddress[address] = id
	return nil
}

// Remove deletes a server. It is not an error to remove an unknown id;
// callers that need that distinction should Get first.
func (c *Configuration) Remove(id raftpb.ServerID) {
	it := c.tree.Delete(memberItem{raftpb.Server{ID: id}})
	if it == nil {
		return
	}
	delete(c.byAddress, it.(memberItem).Address)
}

// Get returns the server with the given id, if any.
func (c *Configuration) Get(id raftpb.ServerID) (raftpb.Server, bool) {
	it := c.tree.Get(memberItem{raftpb.Server{ID: id}})
	if it == nil {
		return raftpb.Server{}, false
	}
	return it.(memberItem).Server, true
}

// Servers returns every member, ordered by id.
func (c *Configuration) Servers() []raftpb.Server {
	out := make([]raftpb.Server, 0, c.tree.Len())
	c.tree.Ascend(func(it btree.Item) bool {
		out = append(out, it.(memberItem).Server)
		return true
	})
	return out
}

// Voters returns the ids of every Voter-role member, ordered.
func (c *Configuration) Voters() []raftpb.ServerID {
	var out []raftpb.ServerID
	c.tree.Ascend(func(it btree.Item) bool {
		m := it.(memberItem)
		if m.Role == raftpb.Voter {
			out = append(out, m.ID)
		}
		return true
	})
	return out
}

// ReplicationTargets returns the ids of every member that should
// receive AppendEntries/InstallSnapshot: Voters and Standbys, but not
// Idle placeholders, ordered.
func (c *Configuration) ReplicationTargets() []raftpb.ServerID {
	var out []raftpb.ServerID
	c.tree.Ascend(func(it btree.Item) bool {
		m := it.(memberItem)
		if m.Role != raftpb.Idle {
			out = append(out, m.ID)
		}
		return true
	})
	return out
}

// VoterCount returns the number of Voter-role members.
func (c *Configuration) VoterCount() int {
	n := 0
	c.tree.Ascend(func(it btree.Item) bool {
		if it.(memberItem).Role == raftpb.Voter {
			n++
		}
		return true
	})
	return n
}

// Quorum returns floor(V/2)+1 where V is the voter count.
func (c *Configuration) Quorum() int {
	return c.VoterCount()/2 + 1
}

// Encode produces the stable binary layout described in the wire
// format (version byte, varint count, then per-server records).
func (c *Configuration) Encode() ([]byte, error) {
	return raftpb.EncodeServers(c.Servers())
}

// DecodeConfiguration parses the stable binary layout back into a
// Configuration. It validates uniqueness the same way Add does.
func DecodeConfiguration(data []byte) (*Configuration, error) {
	servers, err := raftpb.DecodeServers(data)
	if err != nil {
		return nil, err
	}
	cfg := NewConfiguration()
	for _, s := range servers {
		if err := cfg.Add(s.ID, s.Address, s.Role); err != nil {
			return nil, fmt.Errorf("raft: decoding configuration: %w", err)
		}
	}
	return cfg, nil
}
