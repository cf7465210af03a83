package types

// MessageMapEntry is one row correlating a mesh message with a Matrix event,
// as described in spec §3 "Message map entry".
type MessageMapEntry struct {
	MeshID        uint32
	MatrixEventID string
	RoomID        string
	Text          string
	Meshnet       string
}

// MappingInfo describes the message-map row to persist after a mesh send
// succeeds. internal/queue does not use it; the queue carries its own
// queue.MappingInfo on each queued item.
type MappingInfo struct {
	MatrixEventID string
	RoomID        string
	Text          string
	Meshnet       string
	KeepCount     int // msgs_to_keep at enqueue time; 0 disables pruning
}

// NodeIdentity is the cached long/short display name pair for a mesh node.
type NodeIdentity struct {
	LongName  string
	ShortName string
}

// MeshSendResult holds the id of a mesh send. Only sends that produce an ID
// are eligible for message-map persistence (spec §3 invariant). The queue's
// send thunks return queue.Result, not this type.
type MeshSendResult struct {
	ID uint32
}
