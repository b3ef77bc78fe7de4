package realtime

import "geoliner/api/internal/layout"

// Message kinds on the sync channel. Clients send "delta"; the server replies
// with "accepted" or "conflict" to the sender and fans "delta" out to peers.
const (
	KindDelta    = "delta"
	KindSnapshot = "snapshot"
	KindAccepted = "accepted"
	KindConflict = "conflict"
	KindError    = "error"
)

// ClientMessage is a frame sent by an editor client.
type ClientMessage struct {
	Kind            string        `json:"kind"`
	Delta           *layout.Delta `json:"delta,omitempty"`
	ExpectedVersion int64         `json:"expectedVersion"`
}

// ServerMessage is a frame sent to a client. Snapshot is set for "snapshot"
// and "conflict" frames; Delta and Origin for peer broadcasts.
type ServerMessage struct {
	Kind     string           `json:"kind"`
	Snapshot *layout.Snapshot `json:"snapshot,omitempty"`
	Delta    *layout.Delta    `json:"delta,omitempty"`
	Version  int64            `json:"version,omitempty"`
	Origin   string           `json:"origin,omitempty"`
	Code     string           `json:"code,omitempty"`
	Message  string           `json:"message,omitempty"`
}
