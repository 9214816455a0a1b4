package raft

// FSM is the user-defined state machine the engine replicates commands
// to. Apply is only ever called for entries of type EntryCommand, in
// log order, one at a time; its result is handed back verbatim to the
// Apply caller's completion callback.
type FSM interface {
	// Apply applies a single committed command to the state machine.
	Apply(data []byte) (interface{}, error)

	// Snapshot asks the FSM to produce a point-in-time snapshot as a
	// sequence of buffers, which the engine concatenates before handing
	// them to the I/O capability's SnapshotPut.
	Snapshot() ([][]byte, error)

	// Restore replaces the FSM's entire state with the given snapshot
	// payload, as produced by a (possibly remote) Snapshot call.
	Restore(data []byte) error
}
